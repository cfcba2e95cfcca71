package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzbench.harness/internal/core/domain"
)

func writeArtifact(t *testing.T, base, id string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(base, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []domain.ManifestEntry
		wantErr bool
	}{
		{
			name:  "line form",
			input: "# benchmark set\n\n2022-01-token, Token, 0.8.17\nplain\n",
			want: []domain.ManifestEntry{
				{ID: "2022-01-token", Contract: "Token", CompilerVersion: "0.8.17"},
				{ID: "plain"},
			},
		},
		{
			name:  "json strings and objects",
			input: `["a,A", {"id": "b", "contract": "B", "compiler_version": "0.7.6"}]`,
			want: []domain.ManifestEntry{
				{ID: "a", Contract: "A"},
				{ID: "b", Contract: "B", CompilerVersion: "0.7.6"},
			},
		},
		{name: "too many fields", input: "a,b,c,d\n", wantErr: true},
		{name: "empty contract", input: "a,\n", wantErr: true},
		{name: "json object without id", input: `[{"contract": "X"}]`, wantErr: true},
		{name: "broken json", input: `["a",`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseManifest(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidManifest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverManifest(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "zeta", nil)
	writeArtifact(t, base, "alpha", nil)
	writeArtifact(t, base, ".cache", nil)
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), nil, 0o644))

	got, err := DiscoverManifest(base)
	require.NoError(t, err)
	assert.Equal(t, []domain.ManifestEntry{{ID: "alpha"}, {ID: "zeta"}}, got)
}

func TestResolverConfigErrors(t *testing.T) {
	base := t.TempDir()
	entries := []domain.ManifestEntry{{ID: "a"}}

	tests := []struct {
		name     string
		resolver Resolver
		entries  []domain.ManifestEntry
	}{
		{"zero timeout", Resolver{BaseDir: base, OutputDir: "out", TimeoutSeconds: 0}, entries},
		{"missing base dir", Resolver{BaseDir: filepath.Join(base, "nope"), OutputDir: "out", TimeoutSeconds: 5}, entries},
		{"no output dir", Resolver{BaseDir: base, TimeoutSeconds: 5}, entries},
		{"empty manifest", Resolver{BaseDir: base, OutputDir: "out", TimeoutSeconds: 5}, nil},
		{"duplicate id", Resolver{BaseDir: base, OutputDir: "out", TimeoutSeconds: 5}, []domain.ManifestEntry{{ID: "a"}, {ID: "a"}}},
		{"path in id", Resolver{BaseDir: base, OutputDir: "out", TimeoutSeconds: 5}, []domain.ManifestEntry{{ID: "../a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.resolver.Resolve(tt.entries)
			assert.Error(t, err)
		})
	}
}

func TestResolverCPU(t *testing.T) {
	base := t.TempDir()
	out := t.TempDir()
	writeArtifact(t, base, "c1", map[string]string{"Token.bin": "6080", "Token.abi": "[]"})
	writeArtifact(t, base, "c3", map[string]string{"Vault.bin": "6080"})
	writeArtifact(t, base, "nobin", map[string]string{"Vault.abi": "[]"})

	r := Resolver{BaseDir: base, OutputDir: out, TimeoutSeconds: 60}
	specs, err := r.Resolve([]domain.ManifestEntry{{ID: "c1", Contract: "Token"}, {ID: "c2"}, {ID: "c3"}, {ID: "nobin"}})
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, "c1", specs[0].JobID)
	assert.Equal(t, filepath.Join(base, "c1"), specs[0].ArtifactPath)
	assert.Equal(t, filepath.Join(out, "jobs", "c1"), specs[0].OutputDir)
	assert.Equal(t, 60, specs[0].TimeoutSeconds)
	assert.False(t, specs[0].RequiresGPU)
	assert.Empty(t, specs[0].PTXPath)
	assert.Empty(t, specs[0].MissingReason)

	assert.Contains(t, specs[1].MissingReason, "not found")
	assert.Empty(t, specs[2].MissingReason)
	assert.Contains(t, specs[3].MissingReason, "no bytecode")
}

func TestResolverPTX(t *testing.T) {
	base := t.TempDir()
	fresh := writeArtifact(t, base, "fresh", map[string]string{"A.bin": "60", PTXKernelName: ".version 7.0"})
	writeArtifact(t, base, "absent", map[string]string{"A.bin": "60"})
	writeArtifact(t, base, "empty", map[string]string{"A.bin": "60", PTXKernelName: ""})
	stale := writeArtifact(t, base, "stale", map[string]string{"A.bin": "60", PTXKernelName: ".version 7.0"})

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(stale, PTXKernelName), old, old))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(fresh, PTXKernelName), later, later))

	r := Resolver{BaseDir: base, OutputDir: t.TempDir(), UsePTX: true, TimeoutSeconds: 10}
	specs, err := r.Resolve([]domain.ManifestEntry{{ID: "fresh"}, {ID: "absent"}, {ID: "empty"}, {ID: "stale"}})
	require.NoError(t, err)

	for _, s := range specs {
		assert.True(t, s.RequiresGPU)
		assert.Equal(t, filepath.Join(s.ArtifactPath, PTXKernelName), s.PTXPath)
	}
	assert.Empty(t, specs[0].MissingReason)
	assert.Contains(t, specs[1].MissingReason, "not found")
	assert.Contains(t, specs[2].MissingReason, "empty")
	assert.Contains(t, specs[3].MissingReason, "older")
}

func TestInvocationBuilder(t *testing.T) {
	b := NewInvocationBuilder("/bin/ityfuzz", nil)
	spec := domain.JobSpec{JobID: "j", ArtifactPath: "/b/j", OutputDir: "/o/jobs/j", TimeoutSeconds: 9}

	inv := b.Build(spec)
	assert.Equal(t, []string{"evm", "--run-forever", "-d", "all", "-t", "/b/j/*", "-w", "/o/jobs/j/work"}, inv.Args)
	assert.False(t, inv.RequiresGPU)

	spec.RequiresGPU = true
	spec.PTXPath = "/b/j/kernel.ptx"
	b.TimeoutFlag = "--timeout"
	inv = b.Build(spec)
	assert.Equal(t, []string{"evm", "--run-forever", "-d", "all", "-t", "/b/j/*", "-w", "/o/jobs/j/work", "--ptx-path", "/b/j/kernel.ptx", "--timeout", "9"}, inv.Args)
	assert.True(t, inv.RequiresGPU)

	tmpl := b.Template(false)
	assert.Contains(t, tmpl, "{artifact_path}/*")
	assert.Contains(t, tmpl, "{timeout_seconds}")
	assert.NotContains(t, tmpl, "--ptx-path")
}
