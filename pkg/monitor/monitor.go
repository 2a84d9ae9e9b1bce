// Package monitor polls the two sync roots and starts a run whenever both are
// present, for as long as the process lives or until it is stopped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// DefaultInterval is the delay between two availability checks.
const DefaultInterval = 5 * time.Second

// ErrAlreadyRunning is returned by RunForever when the monitor loop is already active.
var ErrAlreadyRunning = errors.New("monitor is already running")

// Runner starts a single synchronization.
type Runner interface {
	Run(ctx context.Context, trigger engine.Trigger) engine.Outcome
}

// Prober reports which roots currently exist.
type Prober interface {
	Probe(roots config.Roots) preflight.Availability
}

// EventKind distinguishes the notifications emitted by the monitor.
type EventKind int

const (
	// AvailabilityChanged is emitted on the first probe and whenever a root appears or disappears.
	AvailabilityChanged EventKind = iota
	// RunCompleted is emitted after every run attempt, successful or not.
	RunCompleted
)

func (k EventKind) String() string {
	switch k {
	case AvailabilityChanged:
		return "availability_changed"
	case RunCompleted:
		return "run_completed"
	default:
		return fmt.Sprintf("unknown_event(%d)", k)
	}
}

// Event is delivered to the presentation layer. Outcome is only set for RunCompleted.
type Event struct {
	Kind         EventKind
	Availability preflight.Availability
	Outcome      engine.Outcome
}

// Monitor is the availability scheduler.
type Monitor struct {
	runner   Runner
	prober   Prober
	roots    config.Roots
	interval time.Duration

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor. A non-positive interval falls back to DefaultInterval.
func New(runner Runner, prober Prober, roots config.Roots, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		runner:   runner,
		prober:   prober,
		roots:    roots,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Stop ends RunForever and cancels a run in progress. It may be called from
// any goroutine, more than once, and before RunForever has started.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// RunForever probes the roots immediately and then every interval. When both
// roots are present a run is started and waited for before the next delay
// begins, so ticks never pile up behind a long run. Run failures are reported
// through onEvent and never end the loop. It returns nil once Stop is called
// or ctx is cancelled.
func (m *Monitor) RunForever(ctx context.Context, onEvent func(Event)) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	select {
	case <-m.stop:
		return nil
	default:
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	plog.Info("Watching for source and target", "source", m.roots.Source, "target", m.roots.Target, "interval", m.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var last *preflight.Availability
	for {
		select {
		case <-runCtx.Done():
			plog.Info("Monitor stopped")
			return nil
		case <-timer.C:
		}

		avail := m.prober.Probe(m.roots)
		if last == nil || *last != avail {
			plog.Info("Root availability changed", "source_present", avail.SourcePresent, "target_present", avail.TargetPresent)
			onEvent(Event{Kind: AvailabilityChanged, Availability: avail})
			last = &avail
		}

		if avail.Both() && runCtx.Err() == nil {
			out := m.runner.Run(runCtx, engine.Scheduled)
			onEvent(Event{Kind: RunCompleted, Availability: avail, Outcome: out})
		}

		timer.Reset(m.interval)
	}
}
