package cards

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memloop/internal/connector"
	"memloop/internal/ledger"
	"memloop/internal/logging"
	"memloop/internal/progress"
	"memloop/internal/vault"
	"memloop/pkg/fs"
)

// DefaultWeeklyBudgetBytes bounds how many note bytes the weekly catch-up
// pass may feed to the generator per ISO week.
const DefaultWeeklyBudgetBytes = 500 * 1024

// dailyWindow is how recently a note must have changed to be picked up by
// the daily pass.
const dailyWindow = 24 * time.Hour

// Result is the typed outcome of one discovery run.
type Result struct {
	// Status is "success" when nothing failed, "error" otherwise.
	Status string

	FilesProcessed int
	CardsCreated   int
	Skipped        int
	RetriableCount int
	Errors         []progress.ItemError
	DurationMS     int64
}

// Engine runs card discovery passes. One Engine handles at most one run at a
// time; the scheduler's re-entrancy guard enforces that.
type Engine struct {
	generator  Generator
	writer     *fs.AtomicWriter
	ledgerPath string
	budget     int64
	clock      func() time.Time
	newID      func() string
}

// EngineConfig wires an Engine. Generator, FS, and LedgerPath are required.
type EngineConfig struct {
	Generator  Generator
	FS         fs.FS
	LedgerPath string

	// WeeklyBudgetBytes defaults to DefaultWeeklyBudgetBytes.
	WeeklyBudgetBytes int64

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// NewEngine creates a card discovery engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Generator == nil || cfg.FS == nil || cfg.LedgerPath == "" {
		panic("cards.NewEngine: incomplete config")
	}

	budget := cfg.WeeklyBudgetBytes
	if budget <= 0 {
		budget = DefaultWeeklyBudgetBytes
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		generator:  cfg.Generator,
		writer:     fs.NewAtomicWriter(cfg.FS),
		ledgerPath: cfg.LedgerPath,
		budget:     budget,
		clock:      clock,
		newID:      uuid.NewString,
	}
}

// note is one candidate file found by the walk.
type note struct {
	vault    vault.Vault
	relPath  string
	absPath  string
	content  []byte
	checksum string
	modTime  time.Time
}

func (n note) ledgerKey() string {
	return ledger.Key(n.vault.ID, n.relPath)
}

// RunDaily processes notes modified within the last 24 hours across all
// card-enabled vaults. The daily marker only advances when the run was not
// dominated by retriable failures; an empty run also advances it.
func (e *Engine) RunDaily(ctx context.Context, vaults []vault.Vault, reporter progress.Reporter) Result {
	log := logging.With("cards")
	start := e.clock()

	led := ledger.Load(e.ledgerPath)

	notes, err := e.discover(vaults, &led)
	if err != nil {
		return e.finish(Result{
			Errors: []progress.ItemError{{Message: err.Error()}},
		}, start, reporter, log)
	}

	cutoff := start.Add(-dailyWindow)
	notes = slices.DeleteFunc(notes, func(n note) bool {
		return n.modTime.Before(cutoff)
	})

	result, stats := e.processNotes(ctx, notes, &led, reporter)

	if len(notes) == 0 || result.FilesProcessed+stats.permanent > result.RetriableCount {
		err = ledger.Persist(led.WithDailyRun(e.clock()), e.ledgerPath)
		if err != nil {
			result.Errors = append(result.Errors, progress.ItemError{Message: err.Error()})
		}
	} else {
		log.Warn().
			Int("retriable", result.RetriableCount).
			Msg("Run dominated by retriable failures; daily marker not advanced")
	}

	return e.finish(result, start, reporter, log)
}

// RunWeekly processes the oldest unprocessed backlog under the per-week byte
// budget. The budget resets when the ISO week changes, and the pass stops
// before the note that would exceed the remainder.
func (e *Engine) RunWeekly(ctx context.Context, vaults []vault.Vault, reporter progress.Reporter) Result {
	log := logging.With("cards")
	start := e.clock()

	led := ledger.Load(e.ledgerPath)

	budget := led.WeeklyBudget

	weekStart := mondayOf(start)
	if budget.WeekStart != weekStart {
		budget = ledger.WeeklyBudget{WeekStart: weekStart}
	}

	notes, err := e.discover(vaults, &led)
	if err != nil {
		return e.finish(Result{
			Errors: []progress.ItemError{{Message: err.Error()}},
		}, start, reporter, log)
	}

	slices.SortFunc(notes, func(a, b note) int {
		return a.modTime.Compare(b.modTime)
	})

	var selected []note

	for _, n := range notes {
		size := int64(len(n.content))
		if budget.BytesUsed+size > e.budget {
			break
		}

		budget.BytesUsed += size
		selected = append(selected, n)
	}

	led = led.WithBudget(budget)

	result, stats := e.processNotes(ctx, selected, &led, reporter)

	// Notes that stayed unhandled (retriable failures, cancellation) are not
	// ledger-marked and will be reselected, so their bytes go back to the
	// week's budget.
	if stats.unhandledBytes > 0 {
		budget.BytesUsed -= stats.unhandledBytes
		led = led.WithBudget(budget)
	}

	if len(selected) == 0 || result.FilesProcessed+stats.permanent > result.RetriableCount {
		led = led.WithWeeklyRun(e.clock())
	}

	err = ledger.Persist(led, e.ledgerPath)
	if err != nil {
		result.Errors = append(result.Errors, progress.ItemError{Message: err.Error()})
	}

	return e.finish(result, start, reporter, log)
}

// Archive moves a card out of the active set by rename. The archive
// directory is created on demand; card metadata is untouched.
func (e *Engine) Archive(v vault.Vault, cardID string) error {
	err := os.MkdirAll(v.ArchiveDir(), 0o755)
	if err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	name := cardID + ".md"

	err = os.Rename(filepath.Join(v.CardsDir(), name), filepath.Join(v.ArchiveDir(), name))
	if err != nil {
		return fmt.Errorf("archive card %q: %w", cardID, err)
	}

	return nil
}

// discover walks every card-enabled vault's content root and returns the
// notes the ledger has not seen at their current checksum. The walk excludes
// the configured metadata subtree, the inbox chats subtree, and instruction
// files.
func (e *Engine) discover(vaults []vault.Vault, led **ledger.Ledger) ([]note, error) {
	var notes []note

	for _, v := range vaults {
		if !v.CardsEnabled {
			continue
		}

		files, err := vault.MarkdownFiles(v.ContentRoot, vault.WalkOptions{
			ExcludeDirs:  []string{v.Metadata, path.Join(v.Inbox, "chats")},
			ExcludeNames: []string{vault.InstructionsFile},
		})
		if err != nil {
			return nil, err
		}

		for _, rel := range files {
			absPath := filepath.Join(v.ContentRoot, filepath.FromSlash(rel))

			info, statErr := os.Stat(absPath)
			if statErr != nil {
				return nil, statErr
			}

			content, readErr := os.ReadFile(absPath)
			if readErr != nil {
				return nil, readErr
			}

			checksum := ledger.Checksum(content)
			if (*led).IsProcessed(ledger.Key(v.ID, rel), checksum) {
				continue
			}

			notes = append(notes, note{
				vault:    v,
				relPath:  rel,
				absPath:  absPath,
				content:  content,
				checksum: checksum,
				modTime:  info.ModTime(),
			})
		}
	}

	return notes, nil
}

// runStats carries per-run bookkeeping that is not part of the public Result:
// the bytes of notes left unhandled (for the weekly budget refund) and the
// count of permanent failures (they are ledger-marked, so they count as
// handled for marker advancement).
type runStats struct {
	unhandledBytes int64
	permanent      int
}

// processNotes runs the generator over each note, persisting the ledger
// after every per-note state change.
func (e *Engine) processNotes(
	ctx context.Context,
	notes []note,
	led **ledger.Ledger,
	reporter progress.Reporter,
) (Result, runStats) {
	result := Result{}
	stats := runStats{}

	progress.Emit(reporter, progress.Event{Status: progress.StatusSyncing, Total: len(notes)})

	for i, n := range notes {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, progress.ItemError{Message: ctx.Err().Error()})

			for _, rest := range notes[i:] {
				stats.unhandledBytes += int64(len(rest.content))
			}

			break
		}

		created, err := e.processNote(ctx, n, led)

		switch {
		case err != nil && connector.Retriable(err):
			result.RetriableCount++
			stats.unhandledBytes += int64(len(n.content))

		case err != nil:
			result.Errors = append(result.Errors, progress.ItemError{
				File:    n.relPath,
				Message: err.Error(),
			})
			stats.permanent++

		case created < 0:
			result.Skipped++

		default:
			result.FilesProcessed++
			result.CardsCreated += created
		}

		progress.Emit(reporter, progress.Event{
			Status:      progress.StatusSyncing,
			Current:     i + 1,
			Total:       len(notes),
			CurrentItem: n.relPath,
		})
	}

	return result, stats
}

// processNote handles one note end to end and returns the number of cards
// created, or -1 when the generator skipped the note. The ledger is marked
// and persisted for every outcome that produced an externally visible
// effect; retriable failures leave it untouched.
func (e *Engine) processNote(ctx context.Context, n note, led **ledger.Ledger) (int, error) {
	generation, err := e.generator.Generate(ctx, SourceNote{
		VaultID: n.vault.ID,
		RelPath: n.relPath,
		Content: n.content,
	})
	if err != nil {
		if connector.Retriable(err) {
			return 0, err
		}

		// Permanent failures are marked to stop the retry loop.
		markErr := e.mark(led, n)
		if markErr != nil {
			return 0, markErr
		}

		return 0, err
	}

	if generation.Skipped {
		err = e.mark(led, n)
		if err != nil {
			return 0, err
		}

		return -1, nil
	}

	created := 0

	for _, card := range generation.Cards {
		id := e.newID()
		cardPath := filepath.Join(n.vault.CardsDir(), id+".md")
		rendered := renderCard(id, card, n.relPath, e.clock())

		writeErr := e.writer.WriteWithDefaults(cardPath, bytes.NewReader(rendered))
		if writeErr != nil {
			return 0, connector.NewRetriable("write card", writeErr)
		}

		created++
	}

	err = e.mark(led, n)
	if err != nil {
		return 0, err
	}

	return created, nil
}

// mark records the note in the ledger and persists immediately so a crash
// never re-processes a handled note.
func (e *Engine) mark(led **ledger.Ledger, n note) error {
	*led = (*led).Mark(n.ledgerKey(), n.checksum, e.clock())

	err := ledger.Persist(*led, e.ledgerPath)
	if err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}

	return nil
}

func (e *Engine) finish(
	result Result,
	start time.Time,
	reporter progress.Reporter,
	log zerolog.Logger,
) Result {
	result.DurationMS = e.clock().Sub(start).Milliseconds()

	if len(result.Errors) == 0 && result.RetriableCount == 0 {
		result.Status = "success"
	} else {
		result.Status = "error"
	}

	finalStatus := progress.StatusSuccess
	if result.Status == "error" {
		finalStatus = progress.StatusError
	}

	progress.Emit(reporter, progress.Event{Status: finalStatus, Errors: result.Errors})

	log.Info().
		Int("files", result.FilesProcessed).
		Int("cards", result.CardsCreated).
		Int("skipped", result.Skipped).
		Int("retriable", result.RetriableCount).
		Int("errors", len(result.Errors)).
		Msg("Card discovery run complete")

	return result
}

// mondayOf returns the ISO-week start date (Monday) for t in t's location,
// as a date string for budget comparison.
func mondayOf(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7

	return t.AddDate(0, 0, -offset).Format("2006-01-02")
}
