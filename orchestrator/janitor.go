package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/metrics"
)

// Cleaner removes expired conversations and reports how many it found.
type Cleaner interface {
	CleanupExpiredConversations(ctx context.Context) int
}

// Janitor runs conversation cleanup off the request path. At most one pass
// is in flight; requests arriving meanwhile are dropped.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	timeout  time.Duration

	running atomic.Bool
	wg      conc.WaitGroup
	stop    chan struct{}

	// mu orders wg.Go against Stop's wg.Wait.
	mu     sync.Mutex
	closed bool
}

// NewJanitor builds a janitor. interval > 0 enables periodic passes once
// Start is called; timeout bounds a single pass.
func NewJanitor(c Cleaner, interval, timeout time.Duration) *Janitor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Janitor{cleaner: c, interval: interval, timeout: timeout, stop: make(chan struct{})}
}

// Schedule starts a detached pass unless one is running. It never blocks.
func (j *Janitor) Schedule() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || !j.running.CompareAndSwap(false, true) {
		metrics.IncCleanup("skipped")
		return false
	}
	j.wg.Go(func() {
		defer j.running.Store(false)
		j.RunOnce()
	})
	return true
}

// RunOnce performs a pass synchronously with its own deadline, detached
// from any request context.
func (j *Janitor) RunOnce() (n int) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("conversation cleanup panicked: %v", r)
			metrics.IncCleanup("error")
			n = 0
		}
	}()
	n = j.cleaner.CleanupExpiredConversations(ctx)
	metrics.IncCleanup("ok")
	if n > 0 {
		logger.Infof("conversation cleanup removed %d expired conversations", n)
	}
	return n
}

// Start launches the periodic loop when an interval is configured.
func (j *Janitor) Start() {
	if j.interval <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.wg.Go(func() {
		t := time.NewTicker(j.interval)
		defer t.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-t.C:
				j.Schedule()
			}
		}
	})
}

// Stop ends the periodic loop and waits for in-flight passes.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.stop)
	}
	j.mu.Unlock()
	j.wg.Wait()
}
