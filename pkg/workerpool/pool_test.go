package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitRetries(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 2, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	if err := p.SubmitWait(context.Background(), &Task{ID: "t1"}); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	var calls int32
	bad := errors.New("invalid recipient")
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 5, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) error {
			atomic.AddInt32(&calls, 1)
			return Permanent(bad)
		}, nil)
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(context.Background(), &Task{ID: "t1"})
	if !errors.Is(err, bad) || !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1}, func(context.Context, *Task) error { return nil }, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	var done int32
	p, _ := New(Config{Workers: 1, QueueSize: 10}, func(context.Context, *Task) error {
		atomic.AddInt32(&done, 1)
		return nil
	}, nil)
	for i := 0; i < 5; i++ {
		if err := p.Submit(&Task{}); err != nil {
			t.Fatal(err)
		}
	}
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if done != 5 {
		t.Errorf("done = %d, want 5", done)
	}
}

func TestDelay(t *testing.T) {
	cfg := Config{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestPanicIsPermanent(t *testing.T) {
	var calls int32
	p, _ := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(context.Context, *Task) error {
			atomic.AddInt32(&calls, 1)
			panic("nil template")
		}, nil)
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(context.Background(), &Task{ID: "boom"})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if s := p.Stats(); s.TasksPanicked != 1 || s.TasksFailed != 1 {
		t.Errorf("stats = %+v", s)
	}
}
