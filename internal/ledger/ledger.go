// Package ledger persists per-file processing records keyed by content
// checksum.
//
// A ledger is the memory of an engine: it records which files have already
// produced an externally visible effect so a later run can skip them. Entries
// are only written after the effect is committed, so a crash between the two
// re-processes the file instead of losing work.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"

	"memloop/internal/logging"
)

// Entry records one completed processing step for a file.
type Entry struct {
	Checksum    string    `json:"checksum"`
	ProcessedAt time.Time `json:"processed_at"`
}

// WeeklyBudget tracks card discovery's per-week byte budget.
type WeeklyBudget struct {
	// WeekStart is the ISO-week Monday in YYYY-MM-DD form. A differing
	// current Monday resets the budget.
	WeekStart string `json:"week_start"`
	BytesUsed int64  `json:"bytes_used"`
}

// Ledger is the JSON document persisted per engine. Values are treated as
// immutable: Mark returns an updated copy and leaves the receiver untouched.
type Ledger struct {
	LastDailyRun  time.Time        `json:"last_daily_run,omitzero"`
	LastWeeklyRun time.Time        `json:"last_weekly_run,omitzero"`
	Entries       map[string]Entry `json:"entries"`
	WeeklyBudget  WeeklyBudget     `json:"weekly_budget,omitzero"`
}

// Key builds the ledger key for a file inside a vault.
func Key(vaultID, relPath string) string {
	return vaultID + ":" + relPath
}

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// Load reads the ledger at path.
//
// A missing file yields an empty ledger. A file that fails to parse also
// yields an empty ledger with a warning log; corruption is never fatal
// because every entry can be regenerated by re-processing.
func Load(path string) *Ledger {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log := logging.With("ledger")
			log.Warn().Err(err).Str("path", path).Msg("ledger unreadable, starting empty")
		}

		return empty()
	}

	var loaded Ledger

	err = json.Unmarshal(data, &loaded)
	if err != nil {
		log := logging.With("ledger")
		log.Warn().Err(err).Str("path", path).Msg("ledger corrupt, starting empty")

		return empty()
	}

	if loaded.Entries == nil {
		loaded.Entries = map[string]Entry{}
	}

	return &loaded
}

// IsProcessed reports whether key has a record with an equal checksum.
func (l *Ledger) IsProcessed(key, checksum string) bool {
	entry, ok := l.Entries[key]

	return ok && entry.Checksum == checksum
}

// Mark returns a copy of the ledger with a record for key at checksum and
// processed_at set to now. Existing records for key are replaced.
func (l *Ledger) Mark(key, checksum string, now time.Time) *Ledger {
	next := l.clone()
	next.Entries[key] = Entry{Checksum: checksum, ProcessedAt: now}

	return next
}

// WithDailyRun returns a copy with last_daily_run advanced to now.
func (l *Ledger) WithDailyRun(now time.Time) *Ledger {
	next := l.clone()
	next.LastDailyRun = now

	return next
}

// WithWeeklyRun returns a copy with last_weekly_run advanced to now.
func (l *Ledger) WithWeeklyRun(now time.Time) *Ledger {
	next := l.clone()
	next.LastWeeklyRun = now

	return next
}

// WithBudget returns a copy with the weekly budget replaced.
func (l *Ledger) WithBudget(budget WeeklyBudget) *Ledger {
	next := l.clone()
	next.WeeklyBudget = budget

	return next
}

// Persist writes the ledger to path atomically.
func Persist(l *Ledger, path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("persist ledger %q: %w", path, err)
	}

	return nil
}

func (l *Ledger) clone() *Ledger {
	entries := make(map[string]Entry, len(l.Entries)+1)
	for key, entry := range l.Entries {
		entries[key] = entry
	}

	return &Ledger{
		LastDailyRun:  l.LastDailyRun,
		LastWeeklyRun: l.LastWeeklyRun,
		Entries:       entries,
		WeeklyBudget:  l.WeeklyBudget,
	}
}

func empty() *Ledger {
	return &Ledger{Entries: map[string]Entry{}}
}
