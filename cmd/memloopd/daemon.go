package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"memloop/internal/cards"
	"memloop/internal/config"
	"memloop/internal/connector"
	"memloop/internal/extract"
	"memloop/internal/ledger"
	"memloop/internal/llm"
	"memloop/internal/logging"
	"memloop/internal/schedule"
	"memloop/internal/syncer"
	"memloop/internal/vault"
	"memloop/internal/vocab"
	"memloop/pkg/fs"
)

// Job names used for the scheduler's re-entrancy guards.
const (
	jobSync       = "sync"
	jobExtract    = "extraction"
	jobCardsDaily = "cards-daily"
	jobCardsWeek  = "cards-weekly"
)

type daemon struct {
	cfg       config.Config
	log       zerolog.Logger
	lock      *instanceLock
	scheduler *schedule.Scheduler
	vaults    []vault.Vault
	registry  *connector.Registry
	syncer    *syncer.Engine
	extractor *extract.Driver
	cards     *cards.Engine
}

// newDaemon assembles the engines, acquires the instance lock, discovers
// vaults, and runs extraction crash recovery. The scheduler is not armed
// yet; runDaemon does that.
func newDaemon(cfg config.Config) (*daemon, error) {
	log := logging.With("memloopd")

	err := os.MkdirAll(cfg.StateDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lock, err := acquireInstanceLock(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	vaults, err := vault.Discover(cfg.VaultsDir)
	if err != nil {
		lock.release()

		return nil, err
	}

	for i := range vaults {
		vaults[i].CardsEnabled = cfg.CardsEnabledFor(vaults[i].ID)
	}

	log.Info().Int("vaults", len(vaults)).Str("dir", cfg.VaultsDir).Msg("Discovered vaults")

	gateway := llm.NewExecGateway(cfg.LLMCommand, time.Duration(cfg.LLMTimeoutSeconds)*time.Second)
	real := fs.NewReal()

	registry := connector.NewRegistry()
	registry.Register("rest", connector.NewREST)

	location := time.Local

	if cfg.Timezone != "" {
		location, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			lock.release()

			return nil, fmt.Errorf("%w: timezone: %w", config.ErrConfigInvalid, err)
		}
	}

	d := &daemon{
		cfg:       cfg,
		log:       log,
		lock:      lock,
		scheduler: schedule.New(location, nil),
		vaults:    vaults,
		registry:  registry,
		syncer: syncer.New(syncer.Config{
			Registry:   registry,
			Cache:      connector.NewCache(),
			Normalizer: vocab.NewNormalizer(gateway),
			FS:         real,
		}),
		extractor: extract.NewDriver(extract.DriverConfig{
			Gateway:    gateway,
			FS:         real,
			MemoryPath: cfg.MemoryFile,
			SandboxDir: cfg.SandboxDir(),
			LedgerPath: cfg.ExtractionLedgerPath(),
		}),
		cards: cards.NewEngine(cards.EngineConfig{
			Generator:  cards.NewGatewayGenerator(gateway),
			FS:         real,
			LedgerPath: cfg.CardLedgerPath(),
		}),
	}

	// Recovery must complete before any trigger can start a run.
	err = d.extractor.Recover()
	if err != nil {
		lock.release()

		return nil, fmt.Errorf("extraction recovery: %w", err)
	}

	return d, nil
}

func (d *daemon) close() {
	if d.lock != nil {
		d.lock.release()
	}
}

// runDaemon arms the schedules and blocks until the context is cancelled.
func (d *daemon) runDaemon(ctx context.Context) int {
	err := d.arm()
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to arm schedules")

		return 1
	}

	d.scheduler.Start()
	d.log.Info().Msg("Daemon running")

	<-ctx.Done()

	d.log.Info().Msg("Shutting down")
	d.scheduler.Stop()

	return 0
}

func (d *daemon) arm() error {
	err := d.scheduler.AddJob(d.cfg.ExtractionSchedule, jobExtract, d.runExtract)
	if err != nil {
		return err
	}

	err = d.scheduler.AddJob(schedule.DailySpec(d.cfg.CardDiscoveryHour), jobCardsDaily, d.runCardsDaily)
	if err != nil {
		return err
	}

	err = d.scheduler.AddJob(schedule.WeeklySpec(d.cfg.CardDiscoveryHour), jobCardsWeek, d.runCardsWeekly)
	if err != nil {
		return err
	}

	threshold := time.Duration(d.cfg.ExtractionCatchupHours) * time.Hour
	lastRun := ledger.Load(d.cfg.ExtractionLedgerPath()).LastDailyRun
	d.scheduler.CatchUp(jobExtract, lastRun, threshold, d.runExtract)

	lastCards := ledger.Load(d.cfg.CardLedgerPath()).LastDailyRun
	d.scheduler.CatchUp(jobCardsDaily, lastCards, schedule.DefaultCatchUp, d.runCardsDaily)

	return nil
}

// runOnce executes a single engine pass and maps its status to an exit code.
func (d *daemon) runOnce(ctx context.Context, mode string) int {
	var status string

	switch mode {
	case "sync":
		status = d.runSync(ctx, syncer.ModeFull)

	case "extract":
		result, err := d.extractor.Run(ctx, d.vaults, nil)

		status = result.Status
		if err != nil {
			status = "error"
		}

	case "cards":
		status = d.cards.RunDaily(ctx, d.vaults, nil).Status

	case "cards-weekly":
		status = d.cards.RunWeekly(ctx, d.vaults, nil).Status

	default:
		d.log.Error().Str("mode", mode).Msg("Unknown -once mode")

		return 2
	}

	if status == "error" {
		return 1
	}

	return 0
}

// runSync runs all pipelines over every vault and returns the aggregate
// status.
func (d *daemon) runSync(ctx context.Context, mode syncer.Mode) string {
	status := "success"

	for _, v := range d.vaults {
		result := d.syncer.Run(ctx, v, syncer.Options{Mode: mode})
		if result.Status == "error" {
			status = "error"
		}
	}

	return status
}

func (d *daemon) runExtract(ctx context.Context) error {
	_, err := d.extractor.Run(ctx, d.vaults, nil)

	return err
}

func (d *daemon) runCardsDaily(ctx context.Context) error {
	result := d.cards.RunDaily(ctx, d.vaults, nil)
	if result.Status == "error" {
		return fmt.Errorf("card discovery: %d errors, %d retriable",
			len(result.Errors), result.RetriableCount)
	}

	return nil
}

func (d *daemon) runCardsWeekly(ctx context.Context) error {
	result := d.cards.RunWeekly(ctx, d.vaults, nil)
	if result.Status == "error" {
		return fmt.Errorf("card catch-up: %d errors, %d retriable",
			len(result.Errors), result.RetriableCount)
	}

	return nil
}
