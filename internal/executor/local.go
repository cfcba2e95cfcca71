package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
)

// pipeDrainDelay bounds how long Wait keeps reading pipes after the process
// exited. Children that inherited the pipes would otherwise block the reap.
const pipeDrainDelay = 2 * time.Second

// LocalLauncher runs invocations as host processes, each leading its own
// process group so the whole tree can be signalled.
type LocalLauncher struct {
	log *slog.Logger
}

func NewLocalLauncher() *LocalLauncher {
	return &LocalLauncher{log: logger.Get()}
}

func (l *LocalLauncher) Launch(ctx context.Context, inv ports.Invocation) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if inv.Path == "" {
		return nil, errors.New("empty executable path")
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}

	p := &localProcess{
		cmd:  cmd,
		pgid: cmd.Process.Pid,
		name: inv.Name,
		log:  l.log,
		done: make(chan struct{}),
	}
	l.log.Debug("Process started", "name", inv.Name, "pid", p.pgid, "path", inv.Path)
	go p.reap()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	pgid int
	name string
	log  *slog.Logger

	done   chan struct{}
	status domain.ExitStatus
	err    error

	termMu sync.Mutex
}

func (p *localProcess) reap() {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	switch {
	case state == nil:
		p.err = err
	default:
		if sig := exitSignal(state); sig != "" {
			p.status = domain.ExitStatus{Code: -1, Signal: sig}
		} else {
			p.status = domain.ExitStatus{Code: state.ExitCode()}
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			p.err = err
		}
	}
	// The leader is gone; nothing in its group may outlive it.
	if err := killGroup(p.pgid); err != nil {
		p.log.Warn("Failed to kill leftover process group", "name", p.name, "pgid", p.pgid, "error", err)
	}
	close(p.done)
}

func (p *localProcess) Wait() (domain.ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

// Terminate sends SIGTERM to the process group, then SIGKILL after grace.
func (p *localProcess) Terminate(grace time.Duration) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminateGroup(p.pgid); err != nil {
		return fmt.Errorf("terminate process group %d: %w", p.pgid, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.log.Warn("Process ignored SIGTERM, killing", "name", p.name, "pgid", p.pgid, "grace", grace)
	if err := killGroup(p.pgid); err != nil {
		return fmt.Errorf("kill process group %d: %w", p.pgid, err)
	}
	return nil
}
