package dtls_bridge

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Runtime schedules the worker goroutines of one Client or Server and lets the
// foreground poll or wait for them without blocking the frame loop.
type Runtime struct {
	name    string
	wg      sync.WaitGroup
	running *atomic.Int64
}

func NewRuntime(name string) *Runtime {
	return &Runtime{
		name:    name,
		running: atomic.NewInt64(0),
	}
}

// JoinHandle is the foreground side of one spawned worker.
type JoinHandle struct {
	name string
	done chan struct{}
	err  error
}

// Spawn runs fn on its own goroutine. A panic in fn becomes its terminal error.
func (rt *Runtime) Spawn(name string, fn func() error) *JoinHandle {
	h := &JoinHandle{
		name: name,
		done: make(chan struct{}),
	}

	rt.wg.Add(1)
	rt.running.Inc()
	go func() {
		defer rt.wg.Done()
		defer rt.running.Dec()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("worker panicked",
					zap.String("runtime", rt.name),
					zap.String("worker", name),
					zap.Any("panic", r))
				h.err = fmt.Errorf("worker %s panicked: %v", name, r)
			}
		}()

		h.err = fn()
	}()

	return h
}

// Running returns the number of workers that have not returned yet.
func (rt *Runtime) Running() int {
	return int(rt.running.Load())
}

// Wait blocks until every spawned worker has returned.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

func (h *JoinHandle) Name() string {
	return h.name
}

// IsFinished never blocks.
func (h *JoinHandle) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Join waits for the worker and returns its terminal error.
func (h *JoinHandle) Join() error {
	<-h.done
	return h.err
}
