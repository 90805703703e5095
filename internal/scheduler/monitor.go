package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
)

// monitorTick paces the stuck-operation sweep.
const monitorTick = 5 * time.Second

// stackBufBytes bounds one all-goroutine stack capture.
const stackBufBytes = 1 << 20

type operation struct {
	name      string
	startedAt time.Time
	warned    bool
	dumped    bool
}

// Monitor tracks long-running operations. An operation past the warn
// threshold logs once; past the error threshold it logs an error and writes
// one all-goroutine stack dump to the dump directory.
type Monitor struct {
	warnAfter  time.Duration
	errorAfter time.Duration
	dumpDir    string
	logger     *observability.Logger
	now        func() time.Time

	mu     sync.Mutex
	ops    map[uint64]*operation
	nextID uint64
}

// NewMonitor builds the operation monitor from the scheduler config.
func NewMonitor(cfg config.SchedulerConfig, logger *observability.Logger) *Monitor {
	return &Monitor{
		warnAfter:  cfg.MonitorWarnAfter,
		errorAfter: cfg.MonitorErrorAfter,
		dumpDir:    cfg.MonitorDumpDir,
		logger:     logger.Component("scheduler.monitor"),
		now:        time.Now,
		ops:        make(map[uint64]*operation),
	}
}

// Track registers the start of an operation and returns its completion
// callback. The callback is safe to call exactly once, usually deferred.
func (m *Monitor) Track(name string) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.ops[id] = &operation{name: name, startedAt: m.now()}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		op := m.ops[id]
		delete(m.ops, id)
		m.mu.Unlock()
		if op != nil && op.warned {
			m.logger.Info("long operation finished",
				"operation", op.name, "duration", m.now().Sub(op.startedAt))
		}
	}
}

// Start runs the sweep loop on the shared worker group.
func (m *Monitor) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(monitorTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep checks every outstanding operation against the thresholds. Each
// threshold fires at most once per operation.
func (m *Monitor) sweep() {
	now := m.now()

	m.mu.Lock()
	var warn, stuck []*operation
	for _, op := range m.ops {
		age := now.Sub(op.startedAt)
		switch {
		case age >= m.errorAfter && !op.dumped:
			op.dumped = true
			op.warned = true
			stuck = append(stuck, op)
		case age >= m.warnAfter && !op.warned:
			op.warned = true
			warn = append(warn, op)
		}
	}
	m.mu.Unlock()

	for _, op := range warn {
		m.logger.Warn("operation running long",
			"operation", op.name, "running_for", now.Sub(op.startedAt))
	}
	for _, op := range stuck {
		path, err := m.writeDump()
		if err != nil {
			m.logger.Error("operation stuck, stack dump failed",
				"operation", op.name, "running_for", now.Sub(op.startedAt), "error", err)
			continue
		}
		m.logger.Error("operation stuck, stacks dumped",
			"operation", op.name, "running_for", now.Sub(op.startedAt), "dump", path)
	}
}

// writeDump captures every goroutine stack into the dump directory.
func (m *Monitor) writeDump() (string, error) {
	buf := make([]byte, stackBufBytes)
	n := runtime.Stack(buf, true)
	path := filepath.Join(m.dumpDir, fmt.Sprintf("thread_dump_%d.txt", m.now().Unix()))
	if err := os.WriteFile(path, buf[:n], 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Outstanding reports how many operations are currently tracked.
func (m *Monitor) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}
