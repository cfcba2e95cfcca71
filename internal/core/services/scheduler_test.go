package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzbench.harness/internal/core/domain"
)

func testSpec(root, id string) domain.JobSpec {
	return domain.JobSpec{
		JobID:          id,
		ArtifactPath:   filepath.Join(root, "bench", id),
		TimeoutSeconds: 30,
		OutputDir:      filepath.Join(root, "out", "jobs", id),
	}
}

func newTestScheduler(t *testing.T, cpu, gpu int, l *fakeLauncher, rec OutcomeRecorder) *Scheduler {
	t.Helper()
	a, err := NewArbiter(cpu, gpu, nil)
	require.NoError(t, err)
	return NewScheduler("run-test", a, l, NewInvocationBuilder("/opt/ityfuzz", nil), rec, 100*time.Millisecond)
}

func TestSchedulerReportsEveryJob(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: 10 * time.Millisecond})
	l.behaviors["c3"] = behavior{run: 10 * time.Millisecond, code: 3}
	rec := newMemRecorder()

	missing := testSpec(root, "c2")
	missing.MissingReason = "artifact directory not found"
	specs := []domain.JobSpec{testSpec(root, "c1"), missing, testSpec(root, "c3")}

	err := newTestScheduler(t, 2, 0, l, rec).Run(context.Background(), specs)
	require.NoError(t, err)

	require.Equal(t, 3, rec.Len())
	assert.Equal(t, domain.JobStatusCompleted, rec.Get("c1").Status)
	assert.Equal(t, domain.JobStatusArtifactMissing, rec.Get("c2").Status)
	assert.Equal(t, domain.JobStatusCrashed, rec.Get("c3").Status)
	require.NotNil(t, rec.Get("c3").ExitCode)
	assert.Equal(t, 3, *rec.Get("c3").ExitCode)

	assert.ElementsMatch(t, []string{"c1", "c3"}, l.Started())

	c1 := rec.Get("c1")
	assert.Equal(t, "run-test", c1.RunID)
	assert.FileExists(t, c1.StdoutLogPath)
	assert.FileExists(t, c1.StderrLogPath)
	assert.DirExists(t, filepath.Join(c1.OutputDir, "work"))
	assert.False(t, c1.FinishedAt.Before(c1.StartedAt))
}

func TestSchedulerRespectsSlotCount(t *testing.T) {
	for _, slots := range []int{1, 3} {
		t.Run(fmt.Sprintf("%d slots", slots), func(t *testing.T) {
			root := t.TempDir()
			l := newFakeLauncher(behavior{run: 40 * time.Millisecond})
			rec := newMemRecorder()
			var specs []domain.JobSpec
			for i := 0; i < 7; i++ {
				specs = append(specs, testSpec(root, fmt.Sprintf("job%d", i)))
			}

			require.NoError(t, newTestScheduler(t, slots, 0, l, rec).Run(context.Background(), specs))
			assert.Equal(t, 7, rec.Len())
			assert.LessOrEqual(t, l.MaxRunning(), slots)
			assert.GreaterOrEqual(t, l.MaxRunning(), 1)
		})
	}
}

func TestSchedulerMixedSlotKinds(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: 40 * time.Millisecond})
	rec := newMemRecorder()

	var (
		mu      sync.Mutex
		current = map[domain.SlotKind]int{}
		peak    = map[domain.SlotKind]int{}
		overlap bool
	)
	a, err := NewArbiter(2, 1, func(kind domain.SlotKind, inUse int) {
		mu.Lock()
		defer mu.Unlock()
		current[kind] = inUse
		if inUse > peak[kind] {
			peak[kind] = inUse
		}
		if current[domain.SlotCPU] > 0 && current[domain.SlotGPU] > 0 {
			overlap = true
		}
	})
	require.NoError(t, err)

	var specs []domain.JobSpec
	for i := 0; i < 3; i++ {
		gpu := testSpec(root, fmt.Sprintf("gpu%d", i))
		gpu.RequiresGPU = true
		gpu.PTXPath = filepath.Join(gpu.ArtifactPath, PTXKernelName)
		specs = append(specs, gpu, testSpec(root, fmt.Sprintf("cpu%d", i)))
	}

	sched := NewScheduler("run-test", a, l, NewInvocationBuilder("/opt/ityfuzz", nil), rec, 100*time.Millisecond)
	require.NoError(t, sched.Run(context.Background(), specs))

	require.Equal(t, 6, rec.Len())
	for _, spec := range specs {
		assert.Equal(t, domain.JobStatusCompleted, rec.Get(spec.JobID).Status, spec.JobID)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak[domain.SlotGPU])
	assert.Equal(t, 2, peak[domain.SlotCPU])
	assert.True(t, overlap, "CPU and GPU jobs never ran together")
	assert.Equal(t, 0, a.InUse(domain.SlotGPU))
	assert.Equal(t, 0, a.InUse(domain.SlotCPU))
}

func TestSchedulerTimeout(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Minute})
	rec := newMemRecorder()
	spec := testSpec(root, "slow")
	spec.TimeoutSeconds = 1

	start := time.Now()
	require.NoError(t, newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), []domain.JobSpec{spec}))
	elapsed := time.Since(start)

	out := rec.Get("slow")
	require.NotNil(t, out)
	assert.Equal(t, domain.JobStatusTimedOut, out.Status)
	assert.Less(t, elapsed, 10*time.Second)
	assert.GreaterOrEqual(t, out.WallTimeMs, int64(1000))
	assert.Nil(t, out.ExitCode)
	assert.Equal(t, "terminated", out.Signal)
}

func TestSchedulerSpawnFailureDoesNotStopRun(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Millisecond})
	l.behaviors["bad"] = behavior{spawnErr: errors.New("exec: no such file")}
	rec := newMemRecorder()

	specs := []domain.JobSpec{testSpec(root, "bad"), testSpec(root, "good")}
	require.NoError(t, newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), specs))

	assert.Equal(t, domain.JobStatusSpawnFailed, rec.Get("bad").Status)
	assert.Contains(t, rec.Get("bad").Error, "no such file")
	assert.Equal(t, domain.JobStatusCompleted, rec.Get("good").Status)
}

func TestSchedulerGPUWithoutSlots(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Millisecond})
	rec := newMemRecorder()
	spec := testSpec(root, "gpu")
	spec.RequiresGPU = true
	spec.PTXPath = filepath.Join(spec.ArtifactPath, PTXKernelName)

	require.NoError(t, newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), []domain.JobSpec{spec}))
	assert.Equal(t, domain.JobStatusSlotUnavailable, rec.Get("gpu").Status)
	assert.Empty(t, l.Started())
}

func TestSchedulerCancellation(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Minute})
	rec := newMemRecorder()
	specs := []domain.JobSpec{testSpec(root, "a"), testSpec(root, "b"), testSpec(root, "c")}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestScheduler(t, 1, 0, l, rec).Run(ctx, specs)
	}()

	require.Eventually(t, func() bool { return len(l.Started()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	require.Equal(t, 3, rec.Len())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.JobStatusCancelled, rec.Get(id).Status, id)
	}
	assert.Len(t, l.Started(), 1)
}

func TestSchedulerAttachesCoverage(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{
		run: time.Millisecond,
		stdout: "Ityfuzz start at 1000\n" +
			"Coverage stat: time-millis: 1500 instructions: 30/300 branches: 3/30\n" +
			"Coverage stat: time-millis: 2500 instructions: 60/300 branches: 6/30\n",
	})
	rec := newMemRecorder()

	require.NoError(t, newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), []domain.JobSpec{testSpec(root, "cov")}))

	out := rec.Get("cov")
	require.NotNil(t, out.Metrics)
	assert.Equal(t, uint64(60), out.Metrics.InstructionsCovered)
	assert.Equal(t, uint64(300), out.Metrics.TotalInstructions)
	assert.Equal(t, 2, out.Metrics.Samples)
	assert.Len(t, out.Series, 2)

	data, err := os.ReadFile(out.StdoutLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Coverage stat")
}

func TestSchedulerStopsOnRecorderFailure(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Millisecond})
	rec := recorderFunc(func(o *domain.JobOutcome) error {
		return errDiskFull
	})

	err := newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), []domain.JobSpec{testSpec(root, "x"), testSpec(root, "y")})
	assert.ErrorIs(t, err, errDiskFull)
}

func TestSchedulerPassesInvocation(t *testing.T) {
	root := t.TempDir()
	l := newFakeLauncher(behavior{run: time.Millisecond})
	rec := newMemRecorder()
	spec := testSpec(root, "inv")

	require.NoError(t, newTestScheduler(t, 1, 0, l, rec).Run(context.Background(), []domain.JobSpec{spec}))
	require.Len(t, l.invs, 1)
	inv := l.invs[0]
	assert.Equal(t, "/opt/ityfuzz", inv.Path)
	assert.Equal(t, spec.OutputDir, inv.Dir)
	assert.Contains(t, inv.Args, spec.ArtifactPath+"/*")
	assert.Contains(t, inv.Env, "FUZZBENCH_JOB_ID=inv")
}
