package compaction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"segkv/pkg/listener"
	"segkv/pkg/metrics"
)

type ManagerOptions struct {
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Logger       *slog.Logger
	Metrics      metrics.Collector
}

// Manager runs compactions in the background whenever Trigger is called,
// until the planner has nothing left to do. Failed tasks are retried with
// exponential backoff and jitter.
type Manager struct {
	host      Host
	planner   Planner
	compactor Compactor
	opts      ManagerOptions
	log       *slog.Logger
	metrics   metrics.Collector

	// runMu serializes background and manual compactions.
	runMu    sync.Mutex
	listener *listener.Listener[struct{}]
}

func NewManager(host Host, planner Planner, compactor Compactor, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mc := opts.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}
	m := &Manager{
		host:      host,
		planner:   planner,
		compactor: compactor,
		opts:      opts,
		log:       log.With("component", "compaction-manager"),
		metrics:   mc,
	}
	m.listener = listener.New("compaction", 1, m.loop, log)
	return m
}

func (m *Manager) Start(ctx context.Context) {
	m.listener.Start(ctx)
}

// Stop cancels a running compaction and waits for it to unwind.
func (m *Manager) Stop() {
	m.listener.Stop()
}

// Trigger asks the background loop to look for work. It never blocks.
func (m *Manager) Trigger() {
	m.listener.Submit(struct{}{})
}

// RunFull merges every segment into the last of maxLevels levels in the
// caller's goroutine, waiting for any background compaction to finish
// first. It is a no-op when there are no segments.
func (m *Manager) RunFull(ctx context.Context, maxLevels int) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	task, ok := FullTask(m.host.Levels(), maxLevels)
	if !ok {
		return nil
	}
	return m.run(ctx, task)
}

func (m *Manager) loop(ctx context.Context, _ struct{}) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.runMu.Lock()
		task, ok := m.planner.Next(m.host.Levels())
		if !ok {
			m.runMu.Unlock()
			return nil
		}
		err := m.run(ctx, task)
		m.runMu.Unlock()

		if err == nil {
			attempt = 0
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}

		delay := Backoff(attempt, m.opts.RetryBackoff, m.opts.MaxBackoff)
		attempt++
		m.log.Error("compaction failed, retrying",
			"level", task.Level,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) run(ctx context.Context, task Task) error {
	start := time.Now()
	err := m.compactor.Run(ctx, task)
	if err != nil {
		m.metrics.IncCounter(metrics.CompactionErrorsTotal, nil, 1)
		return err
	}
	m.metrics.IncCounter(metrics.CompactionsTotal, nil, 1)
	m.metrics.ObserveHistogram(metrics.CompactionSeconds, nil, time.Since(start).Seconds())
	return nil
}

// Backoff returns base*2^attempt capped at limit, plus up to 50% jitter.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if limit < base {
		limit = base
	}
	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	if half := uint32(d / 2 / time.Microsecond); half > 0 {
		d += time.Duration(fastrand.Uint32n(half)) * time.Microsecond
	}
	return d
}
