package storage

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// writerGuard detects, but does not prevent, two goroutines mutating one
// builder at the same time.
type writerGuard struct {
	active atomic.Bool
	mu     sync.Mutex
	site   string
	op     string
}

// enter marks the start of a public mutating call. The returned func ends
// it and must be deferred.
func (g *writerGuard) enter(log *slog.Logger, op string) func() {
	site := callerSite(3)
	if !g.active.CompareAndSwap(false, true) {
		g.mu.Lock()
		other, otherOp := g.site, g.op
		g.mu.Unlock()
		log.Error("concurrent builder write",
			"op", op,
			"site", site,
			"active_op", otherOp,
			"active_site", other)
		return func() {}
	}
	g.mu.Lock()
	g.site, g.op = site, op
	g.mu.Unlock()
	return func() { g.active.Store(false) }
}

func callerSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
