package syncer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"memloop/internal/connector"
	"memloop/internal/frontmatter"
	"memloop/internal/logging"
	"memloop/internal/progress"
	"memloop/internal/secrets"
	"memloop/internal/vault"
	"memloop/internal/vocab"
	"memloop/pkg/fs"
)

// SyncMetaKey is the reserved frontmatter key sync metadata is written under.
const SyncMetaKey = "_sync_meta"

// Mode selects how aggressively a run re-fetches.
type Mode string

// Sync modes.
const (
	// ModeFull clears the response cache and ignores last_synced.
	ModeFull Mode = "full"

	// ModeIncremental skips files synced within the threshold and reuses
	// the response cache.
	ModeIncremental Mode = "incremental"
)

// DefaultIncrementalThreshold is how recent a file's last_synced must be for
// an incremental run to skip it.
const DefaultIncrementalThreshold = 24 * time.Hour

// Options configures one sync run.
type Options struct {
	Mode Mode

	// Pipelines filters by pipeline name; empty runs all.
	Pipelines []string

	// Threshold overrides DefaultIncrementalThreshold.
	Threshold time.Duration

	// Reporter receives progress events; nil disables reporting.
	Reporter progress.Reporter
}

// Result is the typed outcome of a sync run.
type Result struct {
	// Status is "success" iff Errors is empty, else "error".
	Status         string
	FilesProcessed int
	FilesUpdated   int
	Errors         []progress.ItemError

	// SkippedConfigs lists pipeline config files that failed validation.
	SkippedConfigs []FailedConfig
	DurationMS     int64
}

// Engine orchestrates sync pipelines over one vault at a time.
type Engine struct {
	registry   *connector.Registry
	cache      *connector.Cache
	fetcher    *connector.Fetcher
	normalizer *vocab.Normalizer
	writer     *fs.AtomicWriter
	clock      func() time.Time
}

// Config wires an Engine's collaborators.
type Config struct {
	Registry   *connector.Registry
	Cache      *connector.Cache
	Normalizer *vocab.Normalizer
	FS         fs.FS

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// New creates a sync engine. Registry, Cache, Normalizer, and FS are
// required.
func New(cfg Config) *Engine {
	if cfg.Registry == nil || cfg.Cache == nil || cfg.Normalizer == nil || cfg.FS == nil {
		panic("syncer.New: incomplete config")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		fetcher:    connector.NewFetcher(cfg.Cache),
		normalizer: cfg.Normalizer,
		writer:     fs.NewAtomicWriter(cfg.FS),
		clock:      clock,
	}
}

// Run executes all (or the filtered) pipelines of one vault.
func (e *Engine) Run(ctx context.Context, v vault.Vault, opts Options) Result {
	log := logging.With("syncer")
	start := e.clock()

	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}

	if opts.Threshold <= 0 {
		opts.Threshold = DefaultIncrementalThreshold
	}

	if opts.Mode == ModeFull {
		e.cache.Clear()
	}

	result := Result{}

	pipelines, failed, err := LoadPipelines(v.SyncConfigDir())
	if err != nil {
		result.Errors = append(result.Errors, progress.ItemError{Message: err.Error()})
	}

	result.SkippedConfigs = failed

	for _, fail := range failed {
		log.Warn().Str("file", fail.File).Str("reason", fail.Reason).Msg("skipped invalid pipeline")
	}

	if len(failed) > 0 {
		log.Info().Msgf("Skipped %d invalid pipelines", len(failed))
	}

	secretStore, err := secrets.LoadDir(v.SecretsDir())
	if err != nil {
		// Pipelines may still work without secrets; record and continue.
		result.Errors = append(result.Errors, progress.ItemError{Message: err.Error()})
		secretStore = secrets.NewStore(nil)
	}

	files, err := vault.MarkdownFiles(v.Root, vault.WalkOptions{})
	if err != nil {
		result.Errors = append(result.Errors, progress.ItemError{Message: err.Error()})
		result.Status = "error"
		result.DurationMS = e.clock().Sub(start).Milliseconds()

		return result
	}

	type unit struct {
		pipeline Pipeline
		conn     connector.Connector
		files    []string
	}

	var units []unit

	total := 0

	for _, pipeline := range pipelines {
		if !selected(pipeline.Name, opts.Pipelines) {
			continue
		}

		conn, connErr := e.registry.New(pipeline.Connector, secretStore)
		if connErr != nil {
			result.Errors = append(result.Errors, progress.ItemError{
				Pipeline: pipeline.Name,
				Message:  connErr.Error(),
			})

			continue
		}

		matched := matchFiles(pipeline.Match.Pattern, files)
		total += len(matched)
		units = append(units, unit{pipeline: pipeline, conn: conn, files: matched})
	}

	progress.Emit(opts.Reporter, progress.Event{Status: progress.StatusSyncing, Total: total})

	current := 0

	for _, u := range units {
		for _, rel := range u.files {
			if ctx.Err() != nil {
				result.Errors = append(result.Errors, progress.ItemError{
					Pipeline: u.pipeline.Name,
					Message:  ctx.Err().Error(),
				})

				break
			}

			current++
			result.FilesProcessed++

			updated, fileErr := e.processFile(ctx, v, u.pipeline, u.conn, rel, opts)
			if fileErr != nil {
				result.Errors = append(result.Errors, progress.ItemError{
					File:     rel,
					Pipeline: u.pipeline.Name,
					Message:  fileErr.Error(),
				})
			} else if updated {
				result.FilesUpdated++
			}

			progress.Emit(opts.Reporter, progress.Event{
				Status:      progress.StatusSyncing,
				Current:     current,
				Total:       total,
				CurrentItem: rel,
			})
		}
	}

	result.DurationMS = e.clock().Sub(start).Milliseconds()

	if len(result.Errors) == 0 {
		result.Status = "success"
	} else {
		result.Status = "error"
	}

	finalStatus := progress.StatusSuccess
	if result.Status == "error" {
		finalStatus = progress.StatusError
	}

	progress.Emit(opts.Reporter, progress.Event{
		Status:  finalStatus,
		Current: current,
		Total:   total,
		Errors:  result.Errors,
	})

	log.Info().Msgf("Synced %d/%d files (%d errors)",
		result.FilesUpdated, result.FilesProcessed, len(result.Errors))

	return result
}

// processFile runs one pipeline over one note. Returns whether the note was
// written.
func (e *Engine) processFile(
	ctx context.Context,
	v vault.Vault,
	pipeline Pipeline,
	conn connector.Connector,
	rel string,
	opts Options,
) (bool, error) {
	path := filepath.Join(v.Root, filepath.FromSlash(rel))

	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read note: %w", err)
	}

	doc, err := frontmatter.Parse(content)
	if err != nil {
		return false, err
	}

	now := e.clock()

	if opts.Mode == ModeIncremental && recentlySynced(doc, now, opts.Threshold) {
		return false, nil
	}

	externalID, ok := doc.GetString(pipeline.Match.Field)
	if !ok || externalID == "" {
		// Notes without an external id are simply not synced.
		return false, nil
	}

	response, err := e.fetcher.Fetch(ctx, conn, externalID)
	if err != nil {
		return false, err
	}

	sources := make([]string, 0, len(pipeline.Fields))
	for _, field := range pipeline.Fields {
		sources = append(sources, field.Source)
	}

	values := conn.ExtractFields(response, sources)

	for _, field := range pipeline.Fields {
		value, present := values[field.Source]
		if !present {
			continue
		}

		if field.Normalize {
			value = e.normalizeValue(ctx, value, pipeline.Vocabulary)
		}

		_, mergeErr := applyMerge(doc, pipeline.targetKey(field), value, pipeline.effectiveStrategy(field))
		if mergeErr != nil {
			return false, mergeErr
		}

	}

	err = doc.Set(SyncMetaKey, map[string]any{
		"last_synced": now.Format(time.RFC3339),
		"source":      pipeline.Connector,
		"source_id":   externalID,
	})
	if err != nil {
		return false, err
	}

	serialized, err := doc.Serialize()
	if err != nil {
		return false, err
	}

	err = e.writer.WriteWithDefaults(path, bytes.NewReader(serialized))
	if err != nil {
		return false, fmt.Errorf("write note: %w", err)
	}

	return true, nil
}

// normalizeValue applies vocabulary normalization to a synced value. Arrays
// map elementwise; scalars that stringify meaningfully are normalized as
// strings; anything else passes through.
func (e *Engine) normalizeValue(ctx context.Context, value any, vocabulary vocab.Vocabulary) any {
	switch typed := value.(type) {
	case string:
		return e.normalizer.Normalize(ctx, typed, vocabulary).Term

	case []any:
		out := make([]any, len(typed))

		for i, item := range typed {
			str, ok := stringify(item)
			if !ok {
				out[i] = item

				continue
			}

			out[i] = e.normalizer.Normalize(ctx, str, vocabulary).Term
		}

		return out

	default:
		str, ok := stringify(value)
		if !ok {
			return value
		}

		return e.normalizer.Normalize(ctx, str, vocabulary).Term
	}
}

// stringify converts scalars to their string form; composites don't
// stringify meaningfully.
func stringify(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case bool, int, int64, float64:
		return fmt.Sprint(typed), true
	default:
		return "", false
	}
}

func recentlySynced(doc *frontmatter.Doc, now time.Time, threshold time.Duration) bool {
	raw, ok := doc.GetString(SyncMetaKey + ".last_synced")
	if !ok {
		return false
	}

	lastSynced, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}

	return now.Sub(lastSynced) < threshold
}

func matchFiles(pattern string, files []string) []string {
	var matched []string

	for _, rel := range files {
		ok, err := doublestar.Match(pattern, rel)
		if err == nil && ok {
			matched = append(matched, rel)
		}
	}

	return matched
}

func selected(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}

	for _, candidate := range filter {
		if candidate == name {
			return true
		}
	}

	return false
}
