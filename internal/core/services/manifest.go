package services

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"fuzzbench.harness/internal/core/domain"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// ParseManifest reads a contract list. Two forms are accepted:
//
//	# line form: id[,MainContract[,compiler_version]]
//	2022-01-token,Token,0.8.17
//
// or a JSON array whose elements are strings in the line form or objects
// {"id": ..., "contract": ..., "compiler_version": ...}.
func ParseManifest(r io.Reader) ([]domain.ManifestEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return parseJSONManifest(trimmed)
	}
	return parseLineManifest(data)
}

// LoadManifest parses the manifest at path.
func LoadManifest(path string) ([]domain.ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	entries, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

func parseLineManifest(data []byte) ([]domain.ManifestEntry, error) {
	var entries []domain.ManifestEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidManifest, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return entries, nil
}

func parseEntry(s string) (domain.ManifestEntry, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return domain.ManifestEntry{}, fmt.Errorf("expected at most 3 fields, got %d", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	entry := domain.ManifestEntry{ID: parts[0]}
	if entry.ID == "" {
		return entry, fmt.Errorf("empty id")
	}
	if len(parts) > 1 {
		if parts[1] == "" {
			return entry, fmt.Errorf("empty contract name for %q", entry.ID)
		}
		entry.Contract = parts[1]
	}
	if len(parts) > 2 {
		entry.CompilerVersion = parts[2]
	}
	return entry, nil
}

func parseJSONManifest(data []byte) ([]domain.ManifestEntry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	entries := make([]domain.ManifestEntry, 0, len(raw))
	for i, elem := range raw {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			entry, err := parseEntry(s)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidManifest, i, err)
			}
			entries = append(entries, entry)
			continue
		}
		var entry domain.ManifestEntry
		if err := json.Unmarshal(elem, &entry); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidManifest, i, err)
		}
		entry.ID = strings.TrimSpace(entry.ID)
		entry.Contract = strings.TrimSpace(entry.Contract)
		if entry.ID == "" {
			return nil, fmt.Errorf("%w: element %d: empty id", ErrInvalidManifest, i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DiscoverManifest lists every subdirectory of baseDir as a job, sorted by name.
func DiscoverManifest(baseDir string) ([]domain.ManifestEntry, error) {
	dirEntries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("read benchmark base dir: %w", err)
	}
	var entries []domain.ManifestEntry
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		entries = append(entries, domain.ManifestEntry{ID: de.Name()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}
