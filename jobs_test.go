package keel_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/venrik/keel"
)

func TestJobsRunAndLandAtBarrier(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(4))
	defer jobs.Close()

	var ran atomic.Int64
	handles := make([]*keel.JobHandle, 0, 8)
	for i := 0; i < 8; i++ {
		h := jobs.Submit(context.Background(), func(jc *keel.JobContext) error {
			ran.Add(1)
			for n := 0; n < 5; n++ {
				if err := jc.Buffer().Create(nil); err != nil {
					return err
				}
			}
			return nil
		})
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := h.Wait(); err != nil {
			t.Fatalf("job: %v", err)
		}
	}
	jobs.WaitIdle()

	if got := ran.Load(); got != 8 {
		t.Fatalf("expected 8 jobs to run, got %d", got)
	}
	if world.Alive() != 0 {
		t.Fatalf("job writes must stay buffered until the barrier, alive=%d", world.Alive())
	}

	report, err := world.ApplyScheduled()
	if err != nil {
		t.Fatalf("apply scheduled: %v", err)
	}
	if report.Applied != 40 {
		t.Fatalf("expected 40 applied ops, got %d", report.Applied)
	}
	if world.Alive() != 40 {
		t.Fatalf("expected 40 entities after barrier, got %d", world.Alive())
	}
}

func TestJobsApplyImmediateInline(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world,
		keel.WithWorkers(0),
		keel.WithJobApplyMode(keel.ApplyImmediate),
	)
	defer jobs.Close()

	h := jobs.Submit(context.Background(), func(jc *keel.JobContext) error {
		return jc.Buffer().Create(nil)
	})
	if err := h.Wait(); err != nil {
		t.Fatalf("job: %v", err)
	}
	if world.Alive() != 1 {
		t.Fatalf("immediate mode should land before Wait returns, alive=%d", world.Alive())
	}
}

func TestJobFailureDiscardsBufferedWrites(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(1))
	defer jobs.Close()

	h := jobs.Submit(context.Background(), func(jc *keel.JobContext) error {
		if err := jc.Buffer().Create(nil); err != nil {
			return err
		}
		return errors.New("asset load failed")
	})
	if err := h.Wait(); err == nil || !strings.Contains(err.Error(), "asset load failed") {
		t.Fatalf("expected job error, got %v", err)
	}
	jobs.WaitIdle()

	if _, err := world.ApplyScheduled(); err != nil {
		t.Fatalf("apply scheduled: %v", err)
	}
	if world.Alive() != 0 {
		t.Fatalf("failed job writes must be discarded, alive=%d", world.Alive())
	}
}

func TestJobPanicResolvesHandle(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(1))
	defer jobs.Close()

	h := jobs.Submit(context.Background(), func(jc *keel.JobContext) error {
		panic("corrupted chunk")
	})
	err := h.Wait()
	if err == nil || !strings.Contains(err.Error(), "job panic") {
		t.Fatalf("expected panic to resolve as error, got %v", err)
	}
	jobs.WaitIdle()
}

func TestJobsSubmitAfterCloseFails(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(2))
	jobs.Close()
	jobs.Close()

	h := jobs.Submit(context.Background(), func(jc *keel.JobContext) error { return nil })
	if err := h.Wait(); !errors.Is(err, keel.ErrSchedulerClosed) {
		t.Fatalf("expected closed scheduler error, got %v", err)
	}
}

func TestJobsHonorCanceledContext(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(1))
	defer jobs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := jobs.Submit(ctx, func(jc *keel.JobContext) error { return nil })
	if err := h.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestJobsNilFuncResolvesImmediately(t *testing.T) {
	world := newTestWorld(t)
	jobs := keel.NewJobScheduler(world, keel.WithWorkers(1))
	defer jobs.Close()

	if err := jobs.Submit(context.Background(), nil).Wait(); err != nil {
		t.Fatalf("nil job should resolve clean, got %v", err)
	}
}
