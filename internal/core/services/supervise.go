package services

import (
	"context"
	"time"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/ports"
)

// SuperviseResult is how a supervised process ended.
type SuperviseResult struct {
	Exit      domain.ExitStatus
	WaitErr   error
	TimedOut  bool
	Cancelled bool
	Elapsed   time.Duration
}

// Supervise waits for proc with a deadline. When timeout expires or ctx is
// cancelled first, the process tree is terminated with the given grace and
// Supervise still waits for the reap before returning. A timeout of zero
// disables the deadline.
func Supervise(ctx context.Context, proc ports.Process, timeout, grace time.Duration) SuperviseResult {
	start := time.Now()

	type waitResult struct {
		exit domain.ExitStatus
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		exit, err := proc.Wait()
		waitCh <- waitResult{exit, err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var res SuperviseResult
	select {
	case w := <-waitCh:
		res.Exit, res.WaitErr = w.exit, w.err
		res.Elapsed = time.Since(start)
		return res
	case <-deadline:
		res.TimedOut = true
	case <-ctx.Done():
		res.Cancelled = true
	}

	if err := proc.Terminate(grace); err != nil {
		res.WaitErr = err
	}
	w := <-waitCh
	res.Exit = w.exit
	if res.WaitErr == nil {
		res.WaitErr = w.err
	}
	res.Elapsed = time.Since(start)
	return res
}
