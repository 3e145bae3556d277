// Package schedule arms cron triggers for the engines and guards each engine
// against overlapping runs.
//
// Guards are keyed by engine name, so an engine with several triggers (card
// discovery's daily and weekly passes) still executes at most one run at a
// time. A trigger that fires while a run is in flight is dropped and logged,
// never queued.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"memloop/internal/logging"
)

// Clock supplies the current time; tests substitute it.
type Clock func() time.Time

// RunFunc executes one engine run. Errors are logged, not propagated; the
// engine's own state decides whether the next trigger reattempts.
type RunFunc func(ctx context.Context) error

// DefaultCatchUp is how stale a last-run timestamp may be before startup
// triggers an immediate catch-up run.
const DefaultCatchUp = 24 * time.Hour

// Scheduler owns the process-wide cron instance.
type Scheduler struct {
	cron   *cron.Cron
	clock  Clock
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	guards map[string]*atomic.Bool
}

// New creates a Scheduler with triggers evaluated in loc. A nil clock uses
// time.Now.
func New(loc *time.Location, clock Clock) *Scheduler {
	if loc == nil {
		loc = time.Local
	}

	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		guards: map[string]*atomic.Bool{},
	}
}

// AddJob arms a standard 5-field cron trigger for the named engine.
func (s *Scheduler) AddJob(spec, name string, run RunFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.execute(name, run)
	})
	if err != nil {
		return fmt.Errorf("add job %q (%q): %w", name, spec, err)
	}

	return nil
}

// CatchUp triggers an asynchronous run when lastRun is zero or older than
// threshold. Call after recovery and before Start.
func (s *Scheduler) CatchUp(name string, lastRun time.Time, threshold time.Duration, run RunFunc) {
	if threshold <= 0 {
		threshold = DefaultCatchUp
	}

	now := s.clock()
	if !lastRun.IsZero() && now.Sub(lastRun) <= threshold {
		return
	}

	log := logging.With("schedule")
	log.Info().
		Str("engine", name).
		Time("last_run", lastRun).
		Msg("catch-up run triggered")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.execute(name, run)
	}()
}

// Start arms the cron triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops accepting triggers and waits for in-flight runs to finish or
// abandon work at their next suspension point.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
}

// TriggerNow runs the engine synchronously unless a run is already in
// flight. Reports whether the run executed. This is the entry point for
// on-demand triggers (console, one-shot mode).
func (s *Scheduler) TriggerNow(name string, run RunFunc) bool {
	return s.execute(name, run)
}

// execute runs the engine unless a run is already in flight.
func (s *Scheduler) execute(name string, run RunFunc) bool {
	guard := s.guard(name)

	if !guard.CompareAndSwap(false, true) {
		log := logging.With("schedule")
		log.Debug().
			Str("engine", name).
			Msg("trigger dropped, run already in progress")

		return false
	}

	defer guard.Store(false)

	err := run(s.ctx)
	if err != nil {
		log := logging.With("schedule")
		log.Error().
			Err(err).
			Str("engine", name).
			Msg("run failed")
	}

	return true
}

func (s *Scheduler) guard(name string) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	guard, ok := s.guards[name]
	if !ok {
		guard = &atomic.Bool{}
		s.guards[name] = guard
	}

	return guard
}

// DailySpec builds the cron expression for a daily trigger at hour.
func DailySpec(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// WeeklySpec builds the cron expression for a Sunday trigger at hour.
func WeeklySpec(hour int) string {
	return fmt.Sprintf("0 %d * * 0", hour)
}
