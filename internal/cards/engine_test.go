package cards

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"memloop/internal/connector"
	"memloop/internal/ledger"
	"memloop/internal/vault"
	"memloop/pkg/fs"
)

// fakeGenerator routes outcomes by relative path and records every call.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    []string
	cards    map[string][]Card
	skip     map[string]bool
	failWith map[string]error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		cards:    map[string][]Card{},
		skip:     map[string]bool{},
		failWith: map[string]error{},
	}
}

func (g *fakeGenerator) Generate(_ context.Context, note SourceNote) (Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, note.RelPath)

	if err, ok := g.failWith[note.RelPath]; ok {
		return Generation{}, err
	}

	if g.skip[note.RelPath] {
		return Generation{Skipped: true}, nil
	}

	return Generation{Cards: g.cards[note.RelPath]}, nil
}

func (g *fakeGenerator) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.calls...)
}

func (g *fakeGenerator) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = nil
}

type fixture struct {
	vault      vault.Vault
	generator  *fakeGenerator
	ledgerPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, vault.InstructionsFile), []byte("x"), 0o644))

	return &fixture{
		vault: vault.Vault{
			ID:           "main",
			Root:         root,
			ContentRoot:  root,
			Inbox:        vault.DefaultInbox,
			Metadata:     vault.DefaultMetadata,
			CardsEnabled: true,
		},
		generator:  newFakeGenerator(),
		ledgerPath: filepath.Join(t.TempDir(), "card-discovery-state.json"),
	}
}

func (f *fixture) engine(t *testing.T, clock func() time.Time, budget int64) *Engine {
	t.Helper()

	return NewEngine(EngineConfig{
		Generator:         f.generator,
		FS:                fs.NewReal(),
		LedgerPath:        f.ledgerPath,
		WeeklyBudgetBytes: budget,
		Clock:             clock,
	})
}

func (f *fixture) writeNote(t *testing.T, rel, content string) {
	t.Helper()

	path := filepath.Join(f.vault.Root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) cardFiles(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(f.vault.CardsDir())
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	var names []string

	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	return names
}

func Test_RunDaily_WritesCardFiles_When_GeneratorReturnsCards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Games/Gloomhaven.md", "# Gloomhaven\n\nA big campaign game.\n")
	f.generator.cards["Games/Gloomhaven.md"] = []Card{
		{Question: "What kind of game is Gloomhaven?", Answer: "A campaign game."},
		{Question: "How many players?", Answer: "1-4."},
	}

	now := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	engine := f.engine(t, func() time.Time { return now }, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 1, result.FilesProcessed)
	require.Equal(t, 2, result.CardsCreated)

	names := f.cardFiles(t)
	require.Len(t, names, 2)

	for _, name := range names {
		id := strings.TrimSuffix(name, ".md")

		_, err := uuid.Parse(id)
		require.NoError(t, err)

		content, err := os.ReadFile(filepath.Join(f.vault.CardsDir(), name))
		require.NoError(t, err)

		text := string(content)
		require.True(t, strings.HasPrefix(text, "---\nid: "+id+"\ntype: qa\n"))
		require.Contains(t, text, "source_file: Games/Gloomhaven.md\n")
	}

	led := ledger.Load(f.ledgerPath)
	require.True(t, now.Equal(led.LastDailyRun))
	require.Len(t, led.Entries, 1)
}

func Test_RunDaily_IgnoresExcludedPaths(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Real.md", "knowledge\n")
	f.writeNote(t, "inbox/chats/transcript.md", "chat\n")
	f.writeNote(t, "Deep/CLAUDE.md", "instructions\n")
	f.writeNote(t, "inbox/other.md", "inbox note\n")

	engine := f.engine(t, nil, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.ElementsMatch(t, []string{"Notes/Real.md", "inbox/other.md"}, f.generator.callLog())
	require.Zero(t, len(result.Errors))
}

func Test_RunDaily_SkipsVault_When_CardsDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.vault.CardsEnabled = false
	f.writeNote(t, "Notes/Real.md", "knowledge\n")

	engine := f.engine(t, nil, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.Empty(t, f.generator.callLog())
}

func Test_RunDaily_SkipsNote_When_ChecksumUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Stable.md", "unchanging content\n")

	engine := f.engine(t, nil, 0)

	engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Len(t, f.generator.callLog(), 1)

	engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Len(t, f.generator.callLog(), 1)
}

// Contract: a run dominated by retriable failures does not advance the daily
// marker, removes nothing, and a subsequent run reattempts exactly the
// failed files.
func Test_RunDaily_ReattemptsRetriableFiles_When_RunNotAdvanced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/A.md", "content a\n")
	f.writeNote(t, "Notes/B.md", "content b\n")
	f.writeNote(t, "Notes/C.md", "content c\n")
	f.writeNote(t, "Notes/D.md", "content d\n")
	f.writeNote(t, "Notes/E.md", "content e\n")

	f.generator.cards["Notes/A.md"] = []Card{{Question: "q", Answer: "a"}}
	f.generator.cards["Notes/B.md"] = []Card{{Question: "q", Answer: "a"}}
	f.generator.skip["Notes/C.md"] = true
	f.generator.failWith["Notes/D.md"] = connector.NewRetriable("llm busy", nil)
	f.generator.failWith["Notes/E.md"] = connector.NewRetriable("llm busy", nil)

	engine := f.engine(t, nil, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "error", result.Status)
	require.Equal(t, 2, result.FilesProcessed)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, 2, result.RetriableCount)
	require.Len(t, f.cardFiles(t), 2)

	led := ledger.Load(f.ledgerPath)
	require.True(t, led.LastDailyRun.IsZero())

	f.generator.reset()
	delete(f.generator.failWith, "Notes/D.md")
	delete(f.generator.failWith, "Notes/E.md")

	result = engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.ElementsMatch(t, []string{"Notes/D.md", "Notes/E.md"}, f.generator.callLog())

	led = ledger.Load(f.ledgerPath)
	require.False(t, led.LastDailyRun.IsZero())
}

func Test_RunDaily_MarksFile_When_FailurePermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Bad.md", "content\n")
	f.generator.failWith["Notes/Bad.md"] = connector.NewPermanent("schema failure", nil)

	engine := f.engine(t, nil, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "error", result.Status)
	require.Len(t, result.Errors, 1)

	// The file is marked; a rerun does not reattempt it.
	f.generator.reset()
	engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Empty(t, f.generator.callLog())
}

// Contract: permanent failures are ledger-marked and count as handled work,
// so a run consisting solely of them still advances the daily marker.
func Test_RunDaily_AdvancesMarker_When_AllFailuresPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Bad.md", "content\n")
	f.generator.failWith["Notes/Bad.md"] = connector.NewPermanent("schema failure", nil)

	now := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	engine := f.engine(t, func() time.Time { return now }, 0)

	result := engine.RunDaily(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "error", result.Status)

	led := ledger.Load(f.ledgerPath)
	require.True(t, now.Equal(led.LastDailyRun))
}

// Contract: a retriably-failed note does not consume the weekly budget; its
// bytes stay available and the note is reselected once the failure clears.
func Test_RunWeekly_RefundsBudget_When_FailureRetriable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Flaky.md", strings.Repeat("a", 1024))
	f.writeNote(t, "Notes/Good.md", strings.Repeat("b", 2048))

	flakyTime := time.Now().Add(-72 * time.Hour)
	goodTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.vault.Root, "Notes", "Flaky.md"), flakyTime, flakyTime))
	require.NoError(t, os.Chtimes(filepath.Join(f.vault.Root, "Notes", "Good.md"), goodTime, goodTime))

	f.generator.failWith["Notes/Flaky.md"] = connector.NewRetriable("llm busy", nil)
	f.generator.cards["Notes/Good.md"] = []Card{{Question: "q", Answer: "a"}}

	engine := f.engine(t, nil, 500*1024)

	result := engine.RunWeekly(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "error", result.Status)
	require.Equal(t, 1, result.FilesProcessed)
	require.Equal(t, 1, result.RetriableCount)

	led := ledger.Load(f.ledgerPath)
	require.Len(t, led.Entries, 1)
	require.Equal(t, int64(2048), led.WeeklyBudget.BytesUsed)

	delete(f.generator.failWith, "Notes/Flaky.md")
	f.generator.cards["Notes/Flaky.md"] = []Card{{Question: "q", Answer: "a"}}
	f.generator.reset()

	result = engine.RunWeekly(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.Equal(t, []string{"Notes/Flaky.md"}, f.generator.callLog())

	led = ledger.Load(f.ledgerPath)
	require.Equal(t, int64(2048+1024), led.WeeklyBudget.BytesUsed)
}

// Contract: the weekly pass works oldest-first and stops before the file
// that would exceed the remaining byte budget.
func Test_RunWeekly_StopsAtByteBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	older := strings.Repeat("a", 400*1024)
	newer := strings.Repeat("b", 200*1024)

	f.writeNote(t, "Notes/Older.md", older)
	f.writeNote(t, "Notes/Newer.md", newer)

	olderTime := time.Now().Add(-72 * time.Hour)
	newerTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.vault.Root, "Notes", "Older.md"), olderTime, olderTime))
	require.NoError(t, os.Chtimes(filepath.Join(f.vault.Root, "Notes", "Newer.md"), newerTime, newerTime))

	f.generator.cards["Notes/Older.md"] = []Card{{Question: "q", Answer: "a"}}
	f.generator.cards["Notes/Newer.md"] = []Card{{Question: "q", Answer: "a"}}

	engine := f.engine(t, nil, 500*1024)

	result := engine.RunWeekly(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 1, result.FilesProcessed)
	require.Equal(t, []string{"Notes/Older.md"}, f.generator.callLog())

	led := ledger.Load(f.ledgerPath)
	require.Len(t, led.Entries, 1)
	require.Equal(t, int64(400*1024), led.WeeklyBudget.BytesUsed)
	require.False(t, led.LastWeeklyRun.IsZero())
}

func Test_RunWeekly_ResetsBudget_When_ISOWeekChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeNote(t, "Notes/Backlog.md", strings.Repeat("x", 1024))
	f.generator.cards["Notes/Backlog.md"] = []Card{{Question: "q", Answer: "a"}}

	exhausted := ledger.Load(f.ledgerPath).WithBudget(ledger.WeeklyBudget{
		WeekStart: "2026-02-16",
		BytesUsed: 500 * 1024,
	})
	require.NoError(t, ledger.Persist(exhausted, f.ledgerPath))

	// A Tuesday in a later ISO week.
	now := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
	engine := f.engine(t, func() time.Time { return now }, 500*1024)

	result := engine.RunWeekly(context.Background(), []vault.Vault{f.vault}, nil)
	require.Equal(t, 1, result.FilesProcessed)

	led := ledger.Load(f.ledgerPath)
	require.Equal(t, "2026-03-02", led.WeeklyBudget.WeekStart)
	require.Equal(t, int64(1024), led.WeeklyBudget.BytesUsed)
}

func Test_Archive_MovesCard_WithoutTouchingContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	id := uuid.NewString()
	cardPath := filepath.Join(f.vault.CardsDir(), id+".md")
	require.NoError(t, os.MkdirAll(f.vault.CardsDir(), 0o755))

	original := renderCard(id, Card{Question: "q", Answer: "a"}, "Notes/Src.md", time.Now())
	require.NoError(t, os.WriteFile(cardPath, original, 0o644))

	engine := f.engine(t, nil, 0)
	require.NoError(t, engine.Archive(f.vault, id))

	_, err := os.Stat(cardPath)
	require.True(t, os.IsNotExist(err))

	moved, err := os.ReadFile(filepath.Join(f.vault.ArchiveDir(), id+".md"))
	require.NoError(t, err)
	require.Equal(t, original, moved)
}

func Test_RenderCard_EmitsExactLayout(t *testing.T) {
	t.Parallel()

	today := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	got := renderCard("7c9e6679-7425-40de-944b-e07fc1f90ae7", Card{
		Question: "What is the capital of France?",
		Answer:   "Paris.",
	}, "Geo/France.md", today)

	want := `---
id: 7c9e6679-7425-40de-944b-e07fc1f90ae7
type: qa
created_date: 2026-03-02
last_reviewed: null
next_review: 2026-03-02
ease_factor: 2.5
interval: 0
repetitions: 0
source_file: Geo/France.md
---

## Question

What is the capital of France?

## Answer

Paris.
`

	require.Equal(t, want, string(got))
}

func Test_RenderCard_OmitsSourceFile_When_Empty(t *testing.T) {
	t.Parallel()

	got := renderCard("id-x", Card{Question: "q", Answer: "a"}, "", time.Now())
	require.NotContains(t, string(got), "source_file")
}
