package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubWorker struct {
	id   string
	died chan error
}

func newStubWorker(i int) *stubWorker {
	return &stubWorker{
		id:   fmt.Sprintf("stub-%d", i),
		died: make(chan error, 1),
	}
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) CreateRouter(context.Context, RouterOptions) (Router, error) {
	return nil, errors.New("not implemented")
}

func (w *stubWorker) Died() <-chan error { return w.died }

func (w *stubWorker) Closed() bool { return false }

func (w *stubWorker) Close() { close(w.died) }

func TestPoolRoundRobin(t *testing.T) {
	pool, err := NewPool(context.Background(), 3, func(_ context.Context, i int) (Worker, error) {
		return newStubWorker(i), nil
	}, PoolOptions{Exit: func(int) {}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if pool.Size() != 3 {
		t.Fatalf("size = %d, want 3", pool.Size())
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		seen[pool.Next().ID()]++
	}
	for id, n := range seen {
		if n != 2 {
			t.Errorf("worker %s picked %d times, want 2", id, n)
		}
	}
}

func TestPoolRejectsNonPositiveSize(t *testing.T) {
	_, err := NewPool(context.Background(), 0, func(_ context.Context, i int) (Worker, error) {
		return newStubWorker(i), nil
	}, PoolOptions{})
	if err == nil {
		t.Fatal("expected error for size 0")
	}
}

func TestPoolFactoryFailureClosesEarlierWorkers(t *testing.T) {
	var created []*stubWorker
	_, err := NewPool(context.Background(), 2, func(_ context.Context, i int) (Worker, error) {
		if i == 1 {
			return nil, errors.New("boom")
		}
		w := newStubWorker(i)
		created = append(created, w)
		return w, nil
	}, PoolOptions{Exit: func(int) {}})
	if err == nil {
		t.Fatal("expected factory error")
	}

	for _, w := range created {
		select {
		case _, ok := <-w.died:
			if ok {
				t.Error("expected died channel closed, got value")
			}
		default:
			t.Errorf("worker %s not closed after factory failure", w.id)
		}
	}
}

func TestPoolWorkerDeathSchedulesExit(t *testing.T) {
	exited := make(chan int, 1)
	pool, err := NewPool(context.Background(), 1, func(_ context.Context, i int) (Worker, error) {
		return newStubWorker(i), nil
	}, PoolOptions{
		DeathGrace: 10 * time.Millisecond,
		Exit:       func(code int) { exited <- code },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	w := pool.Next().(*stubWorker)
	w.died <- errors.New("segfault")

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit not scheduled after worker death")
	}
}

func TestPoolCloseDoesNotExit(t *testing.T) {
	exited := make(chan int, 1)
	pool, err := NewPool(context.Background(), 1, func(_ context.Context, i int) (Worker, error) {
		return newStubWorker(i), nil
	}, PoolOptions{
		DeathGrace: 10 * time.Millisecond,
		Exit:       func(code int) { exited <- code },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	pool.Close()

	select {
	case <-exited:
		t.Fatal("pool close must not schedule process exit")
	case <-time.After(100 * time.Millisecond):
	}
}
