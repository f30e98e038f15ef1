package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeQueue struct {
	mu      sync.Mutex
	calls   []string
	fail    string
	expired map[string][]string
}

func (f *fakeQueue) record(op, q string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+q)
	if q == f.fail {
		return errors.New("redis timeout")
	}
	return nil
}

func (f *fakeQueue) PromoteDue(ctx context.Context, q string, batch int64) (int64, error) {
	return 1, f.record("promote", q)
}

func (f *fakeQueue) RequeueExpired(ctx context.Context, q string, batch int64) (int64, []string, error) {
	if err := f.record("reap", q); err != nil {
		return 0, nil, err
	}
	return 0, f.expired[q], nil
}

func (f *fakeQueue) Prune(ctx context.Context, q string, batch int64) (int, error) {
	return 0, f.record("prune", q)
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLock struct {
	mu       sync.Mutex
	grantOn  int
	tries    int
	released bool
}

func (l *fakeLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tries++
	return l.tries >= l.grantOn, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func TestTickContinuesPastFailingQueue(t *testing.T) {
	q := &fakeQueue{fail: "stage.analysis"}
	s := New(q, nil, &fakeLock{}, []string{"stage.analysis", "webhook.delivery"}, time.Second, 10, zaptest.NewLogger(t))
	s.Tick(context.Background())

	want := []string{
		"promote:stage.analysis", "reap:stage.analysis", "prune:stage.analysis",
		"promote:webhook.delivery", "reap:webhook.delivery", "prune:webhook.delivery",
	}
	if len(q.calls) != len(want) {
		t.Fatalf("calls = %v", q.calls)
	}
	for i := range want {
		if q.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, q.calls[i], want[i])
		}
	}
}

func TestRunWorksOnlyAsLeader(t *testing.T) {
	q := &fakeQueue{}
	lock := &fakeLock{grantOn: 3}
	s := New(q, nil, lock, []string{"stage.export"}, 5*time.Millisecond, 10, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.tries != 3 {
		t.Errorf("lock tried %d times, want 3", lock.tries)
	}
	if !lock.released {
		t.Error("lock not released on shutdown")
	}
	if q.count() < 6 {
		t.Errorf("only %d maintenance calls", q.count())
	}
}

type abandoned struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *abandoned) JobAbandoned(ctx context.Context, queue, jobID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, queue+"/"+jobID+"/"+reason)
	return a.err
}

func TestTickReportsExhaustedLeases(t *testing.T) {
	q := &fakeQueue{expired: map[string][]string{
		"stage.export":     {"run-1:export", "run-2:export"},
		"webhook.delivery": {"delivery:e:c"},
	}}
	owner := &abandoned{err: errors.New("postgres down")}
	s := New(q, owner, &fakeLock{}, []string{"stage.export", "webhook.delivery"}, time.Second, 10, zaptest.NewLogger(t))
	s.Tick(context.Background())

	want := []string{
		"stage.export/run-1:export/lease expired",
		"stage.export/run-2:export/lease expired",
		"webhook.delivery/delivery:e:c/lease expired",
	}
	if len(owner.calls) != len(want) {
		t.Fatalf("calls = %v", owner.calls)
	}
	for i := range want {
		if owner.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, owner.calls[i], want[i])
		}
	}
}
