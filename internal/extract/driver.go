package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memloop/internal/ledger"
	"memloop/internal/llm"
	"memloop/internal/logging"
	"memloop/internal/memfile"
	"memloop/internal/progress"
	"memloop/internal/vault"
	"memloop/pkg/fs"
)

// SandboxFileName is the memory copy's name inside the sandbox directory.
const SandboxFileName = "memory.md"

// State is the extraction driver's run phase, exposed for status reporting.
type State string

// Run phases in order; Failed is terminal for the current run.
const (
	StateIdle          State = "idle"
	StateSettingUp     State = "setting_up"
	StateExtracting    State = "extracting"
	StateCommitting    State = "committing"
	StateUpdatingState State = "updating_state"
	StateCleaning      State = "cleaning"
	StateFailed        State = "failed"
)

// Result is the typed outcome of one extraction run.
type Result struct {
	// Status is "success" or "error".
	Status               string
	TranscriptsProcessed int

	// DuplicatesFiltered counts lines dropped by commit-time deduplication.
	DuplicatesFiltered int

	// LinesPruned counts lines evicted by size enforcement at commit.
	LinesPruned int

	// MemoryBytes is the committed memory file's size.
	MemoryBytes int
	DurationMS  int64
}

// Driver coordinates sandboxed extraction runs. One Driver handles at most
// one run at a time; the scheduler's re-entrancy guard enforces that.
type Driver struct {
	gateway    llm.Gateway
	writer     *fs.AtomicWriter
	memoryPath string
	sandboxDir string
	ledgerPath string
	clock      func() time.Time

	state State
}

// DriverConfig wires a Driver. Gateway, FS, MemoryPath, SandboxDir, and
// LedgerPath are required.
type DriverConfig struct {
	Gateway    llm.Gateway
	FS         fs.FS
	MemoryPath string
	SandboxDir string
	LedgerPath string

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// NewDriver creates an extraction driver.
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Gateway == nil || cfg.FS == nil {
		panic("extract.NewDriver: incomplete config")
	}

	if cfg.MemoryPath == "" || cfg.SandboxDir == "" || cfg.LedgerPath == "" {
		panic("extract.NewDriver: missing paths")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Driver{
		gateway:    cfg.Gateway,
		writer:     fs.NewAtomicWriter(cfg.FS),
		memoryPath: cfg.MemoryPath,
		sandboxDir: cfg.SandboxDir,
		ledgerPath: cfg.LedgerPath,
		clock:      clock,
		state:      StateIdle,
	}
}

// State returns the current run phase.
func (d *Driver) State() State {
	return d.state
}

func (d *Driver) sandboxPath() string {
	return filepath.Join(d.sandboxDir, SandboxFileName)
}

// Run executes one extraction run over the given vaults. The ledger is only
// advanced after a successful commit; cleanup runs on every exit path.
func (d *Driver) Run(ctx context.Context, vaults []vault.Vault, reporter progress.Reporter) (Result, error) {
	log := logging.With("extract")
	start := d.clock()

	result := Result{}

	fail := func(err error) (Result, error) {
		d.state = StateFailed
		d.cleanupSandbox(log)
		d.state = StateIdle

		result.Status = "error"
		result.DurationMS = d.clock().Sub(start).Milliseconds()
		progress.Emit(reporter, progress.Event{
			Status: progress.StatusError,
			Errors: []progress.ItemError{{Message: err.Error()}},
		})

		return result, err
	}

	led := ledger.Load(d.ledgerPath)

	transcripts, err := DiscoverTranscripts(vaults, led)
	if err != nil {
		return fail(err)
	}

	if len(transcripts) == 0 {
		persistErr := ledger.Persist(led.WithDailyRun(d.clock()), d.ledgerPath)
		if persistErr != nil {
			return fail(persistErr)
		}

		result.Status = "success"
		result.DurationMS = d.clock().Sub(start).Milliseconds()
		log.Info().Msg("No new transcripts")

		return result, nil
	}

	progress.Emit(reporter, progress.Event{
		Status: progress.StatusSyncing,
		Total:  len(transcripts),
	})

	d.state = StateSettingUp

	err = d.setupSandbox()
	if err != nil {
		return fail(err)
	}

	d.state = StateExtracting

	_, err = d.gateway.Execute(ctx, llm.Task{
		Prompt:      buildExtractionPrompt(transcripts),
		SandboxRoot: d.sandboxDir,
	})
	if err != nil {
		return fail(fmt.Errorf("llm extraction: %w", err))
	}

	d.state = StateCommitting

	duplicates, pruned, size, err := d.commitSandbox()
	if err != nil {
		return fail(fmt.Errorf("commit sandbox: %w", err))
	}

	result.DuplicatesFiltered = duplicates
	result.LinesPruned = pruned
	result.MemoryBytes = size

	d.state = StateUpdatingState

	now := d.clock()
	for _, transcript := range transcripts {
		led = led.Mark(transcript.LedgerKey(), transcript.Checksum, now)
	}

	err = ledger.Persist(led.WithDailyRun(now), d.ledgerPath)
	if err != nil {
		return fail(err)
	}

	d.state = StateCleaning
	d.cleanupSandbox(log)
	d.state = StateIdle

	result.Status = "success"
	result.TranscriptsProcessed = len(transcripts)
	result.DurationMS = d.clock().Sub(start).Milliseconds()

	progress.Emit(reporter, progress.Event{
		Status:  progress.StatusSuccess,
		Current: len(transcripts),
		Total:   len(transcripts),
	})

	log.Info().
		Int("transcripts", result.TranscriptsProcessed).
		Int("duplicates_filtered", result.DuplicatesFiltered).
		Int("lines_pruned", result.LinesPruned).
		Int("memory_bytes", result.MemoryBytes).
		Msg("Extraction run complete")

	return result, nil
}

// Recover resolves a sandbox file left behind by a crashed run. Newer-than-
// global (or orphaned) sandboxes are committed; stale ones are deleted.
// Recovery must run before the scheduler arms the extraction trigger.
func (d *Driver) Recover() error {
	log := logging.With("extract")

	sandboxInfo, err := os.Stat(d.sandboxPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("stat sandbox: %w", err)
	}

	globalInfo, err := os.Stat(d.memoryPath)

	switch {
	case os.IsNotExist(err):
		log.Warn().Msg("Recovering orphaned sandbox memory file")

	case err != nil:
		return fmt.Errorf("stat memory file: %w", err)

	case !sandboxInfo.ModTime().After(globalInfo.ModTime()):
		log.Warn().Msg("Discarding stale sandbox memory file")
		d.cleanupSandbox(log)

		return nil

	default:
		log.Warn().Msg("Recovering uncommitted sandbox memory file")
	}

	_, _, _, err = d.commitSandbox()
	if err != nil {
		return fmt.Errorf("recover sandbox: %w", err)
	}

	d.cleanupSandbox(log)

	return nil
}

// setupSandbox creates the sandbox directory and stages a copy of the global
// memory file there, or an empty file when none exists yet.
func (d *Driver) setupSandbox() error {
	err := os.MkdirAll(d.sandboxDir, 0o755)
	if err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}

	source, err := os.Open(d.memoryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(d.sandboxPath(), nil, 0o644)
		}

		return fmt.Errorf("open memory file: %w", err)
	}
	defer source.Close()

	target, err := os.Create(d.sandboxPath())
	if err != nil {
		return fmt.Errorf("create sandbox file: %w", err)
	}

	_, err = io.Copy(target, source)
	if err != nil {
		target.Close()

		return fmt.Errorf("stage memory file: %w", err)
	}

	return target.Close()
}

// commitSandbox promotes the sandbox content to the global memory path,
// applying deduplication and the size bound first.
func (d *Driver) commitSandbox() (duplicates, pruned, size int, err error) {
	content, err := os.ReadFile(d.sandboxPath())
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read sandbox file: %w", err)
	}

	cleaned, duplicates := memfile.Dedup(string(content))

	bounded, pruned, bailed := memfile.Enforce(cleaned)
	log := logging.With("extract")

	if bailed {
		log.Warn().Msg("Size enforcement hit iteration bound")
	}

	if len(bounded) > memfile.WarnBytes {
		log.Warn().
			Int("bytes", len(bounded)).
			Int("limit", memfile.MaxBytes).
			Msg("Memory file approaching size limit")
	}

	err = d.writer.WriteWithDefaults(d.memoryPath, bytes.NewReader([]byte(bounded)))
	if err != nil {
		return 0, 0, 0, err
	}

	return duplicates, pruned, len(bounded), nil
}

// cleanupSandbox unlinks the sandbox file. Best-effort; a leftover file is
// resolved by Recover on the next startup.
func (d *Driver) cleanupSandbox(log zerolog.Logger) {
	err := os.Remove(d.sandboxPath())
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to remove sandbox file")
	}
}

// buildExtractionPrompt names the transcripts to read and the sandbox-local
// file to edit. The global memory path never appears here.
func buildExtractionPrompt(transcripts []Transcript) string {
	var b strings.Builder

	b.WriteString("Extract durable facts from the following conversation transcripts ")
	b.WriteString("and record them in the file " + SandboxFileName + " in your working directory. ")
	b.WriteString("Group facts under '## ' section headings, one fact per line. ")
	b.WriteString("Do not remove existing facts.\n\nTranscripts:\n")

	for _, transcript := range transcripts {
		b.WriteString("- " + transcript.AbsPath)

		if transcript.Meta.Title != "" {
			b.WriteString(" (" + transcript.Meta.Title + ")")
		}

		b.WriteString("\n")
	}

	return b.String()
}
