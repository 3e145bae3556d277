package extract_test

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memloop/internal/extract"
	"memloop/internal/ledger"
	"memloop/internal/llm"
	"memloop/internal/memfile"
	"memloop/internal/vault"
	"memloop/pkg/fs"
)

type fixture struct {
	vault      vault.Vault
	memoryPath string
	sandboxDir string
	ledgerPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := t.TempDir()
	root := filepath.Join(base, "vaults", "main")

	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, vault.InstructionsFile), []byte("x"), 0o644))

	return &fixture{
		vault: vault.Vault{
			ID:          "main",
			Root:        root,
			ContentRoot: root,
			Inbox:       vault.DefaultInbox,
			Metadata:    vault.DefaultMetadata,
		},
		memoryPath: filepath.Join(base, "memory.md"),
		sandboxDir: filepath.Join(base, "vaults", ".memloop-sandbox"),
		ledgerPath: filepath.Join(base, "extraction-state.json"),
	}
}

func (f *fixture) driver(t *testing.T, gateway llm.Gateway, clock func() time.Time) *extract.Driver {
	t.Helper()

	return extract.NewDriver(extract.DriverConfig{
		Gateway:    gateway,
		FS:         fs.NewReal(),
		MemoryPath: f.memoryPath,
		SandboxDir: f.sandboxDir,
		LedgerPath: f.ledgerPath,
		Clock:      clock,
	})
}

func (f *fixture) writeTranscript(t *testing.T, name, content string) {
	t.Helper()

	chatsDir := f.vault.ChatsDir()
	require.NoError(t, os.MkdirAll(chatsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chatsDir, name), []byte(content), 0o644))
}

func (f *fixture) sandboxFile() string {
	return filepath.Join(f.sandboxDir, extract.SandboxFileName)
}

// appendingGateway simulates the LLM appending facts to the sandbox copy.
func appendingGateway(t *testing.T, facts string) llm.Gateway {
	t.Helper()

	return llm.Func(func(_ context.Context, task llm.Task) (llm.Result, error) {
		path := filepath.Join(task.SandboxRoot, extract.SandboxFileName)

		existing, err := os.ReadFile(path)
		require.NoError(t, err)

		err = os.WriteFile(path, append(existing, []byte(facts)...), 0o644)

		return llm.Result{}, err
	})
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func Test_Driver_CommitsFactsAndMarksLedger_When_TranscriptsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeTranscript(t, "chat-1.md", "---\ntitle: Tea chat\n---\n\nUser: I like green tea\n")

	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	inner := appendingGateway(t, "## Preferences\nAlice likes green tea\n")
	gateway := llm.Func(func(ctx context.Context, task llm.Task) (llm.Result, error) {
		require.NotContains(t, task.Prompt, f.memoryPath, "prompt must not leak the global memory path")
		require.Equal(t, f.sandboxDir, task.SandboxRoot)

		return inner.Execute(ctx, task)
	})

	driver := f.driver(t, gateway, fixedClock(now))

	result, err := driver.Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 1, result.TranscriptsProcessed)

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "## Preferences\nAlice likes green tea\n")

	// Sandbox is cleaned up after commit.
	_, err = os.Stat(f.sandboxFile())
	require.True(t, os.IsNotExist(err))

	// A second run sees nothing new and does not touch the gateway.
	failing := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, errors.New("must not be called")
	})

	result, err = f.driver(t, failing, fixedClock(now)).Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Zero(t, result.TranscriptsProcessed)

	led := ledger.Load(f.ledgerPath)
	require.True(t, now.Equal(led.LastDailyRun))
}

func Test_Driver_FiltersDuplicates_When_GatewayRepeatsFacts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, os.WriteFile(f.memoryPath,
		[]byte("## Preferences\nAlice likes green tea\n"), 0o644))

	f.writeTranscript(t, "chat-2.md", "User: tea again\n")

	gateway := appendingGateway(t, "alice likes Green Tea.\nAlice plays board games\n")

	result, err := f.driver(t, gateway, nil).Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.DuplicatesFiltered)

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "Alice plays board games")
	require.NotContains(t, string(content), "alice likes Green Tea.")
}

// Contract: a 60 KiB sandbox file is pruned to the 50 KiB bound at commit,
// from the top of the largest section, without inventing lines.
func Test_Driver_EnforcesSizeBound_When_SandboxOversized(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeTranscript(t, "chat-3.md", "User: big chat\n")

	var big strings.Builder

	big.WriteString("## Small\nshort fact one\nshort fact two\n")
	big.WriteString("## Big\n")

	// Random lines stay far below the duplicate similarity threshold
	// pairwise, so dedup leaves the size bound to do the work.
	rng := rand.New(rand.NewSource(1))
	line := make([]byte, 50)

	for big.Len() < 60*1024 {
		for i := range line {
			line[i] = byte('a' + rng.Intn(26))
		}

		big.Write(line)
		big.WriteString("\n")
	}

	gateway := llm.Func(func(_ context.Context, task llm.Task) (llm.Result, error) {
		path := filepath.Join(task.SandboxRoot, extract.SandboxFileName)

		return llm.Result{}, os.WriteFile(path, []byte(big.String()), 0o644)
	})

	result, err := f.driver(t, gateway, nil).Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.NoError(t, err)
	require.Positive(t, result.LinesPruned)

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.LessOrEqual(t, len(content), memfile.MaxBytes)

	text := string(content)
	require.Contains(t, text, "short fact one")
	require.Contains(t, text, "short fact two")
	require.True(t, strings.HasSuffix(text, "\n"))
	require.False(t, strings.HasSuffix(text, "\n\n"))
}

// Contract: a commit inside the warning zone (above 45 KiB, below the 50 KiB
// ceiling) lands intact, with no lines pruned and the size reported.
func Test_Driver_ReportsSize_When_MemoryFileInWarningZone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeTranscript(t, "chat-5.md", "User: long chat\n")

	var big strings.Builder

	big.WriteString("## Facts\n")

	rng := rand.New(rand.NewSource(2))
	line := make([]byte, 50)

	for big.Len() < memfile.WarnBytes+1024 {
		for i := range line {
			line[i] = byte('a' + rng.Intn(26))
		}

		big.Write(line)
		big.WriteString("\n")
	}

	gateway := llm.Func(func(_ context.Context, task llm.Task) (llm.Result, error) {
		path := filepath.Join(task.SandboxRoot, extract.SandboxFileName)

		return llm.Result{}, os.WriteFile(path, []byte(big.String()), 0o644)
	})

	result, err := f.driver(t, gateway, nil).Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.NoError(t, err)
	require.Zero(t, result.LinesPruned)
	require.Greater(t, result.MemoryBytes, memfile.WarnBytes)
	require.LessOrEqual(t, result.MemoryBytes, memfile.MaxBytes)

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Len(t, content, result.MemoryBytes)
}

func Test_Driver_DoesNotAdvanceLedger_When_GatewayFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeTranscript(t, "chat-4.md", "User: hello\n")

	failing := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, llm.ErrUnavailable
	})

	driver := f.driver(t, failing, nil)

	result, err := driver.Run(context.Background(), []vault.Vault{f.vault}, nil)
	require.Error(t, err)
	require.Equal(t, "error", result.Status)
	require.Equal(t, extract.StateIdle, driver.State())

	led := ledger.Load(f.ledgerPath)
	require.Empty(t, led.Entries)
	require.True(t, led.LastDailyRun.IsZero())

	// Best-effort cleanup removed the sandbox file.
	_, err = os.Stat(f.sandboxFile())
	require.True(t, os.IsNotExist(err))
}

func Test_Recover_CommitsSandbox_When_NewerThanGlobal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, os.WriteFile(f.memoryPath, []byte("## Facts\nold fact\n"), 0o644))
	require.NoError(t, os.MkdirAll(f.sandboxDir, 0o755))
	require.NoError(t, os.WriteFile(f.sandboxFile(), []byte("## Facts\nold fact\nnew fact\n"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(f.memoryPath, old, old))

	gateway := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, errors.New("recovery must not call the gateway")
	})

	require.NoError(t, f.driver(t, gateway, nil).Recover())

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "new fact")

	_, err = os.Stat(f.sandboxFile())
	require.True(t, os.IsNotExist(err))
}

func Test_Recover_DeletesSandbox_When_NotNewerThanGlobal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, os.MkdirAll(f.sandboxDir, 0o755))
	require.NoError(t, os.WriteFile(f.sandboxFile(), []byte("## Facts\nstale fact\n"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(f.sandboxFile(), old, old))
	require.NoError(t, os.WriteFile(f.memoryPath, []byte("## Facts\ncurrent fact\n"), 0o644))

	gateway := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, nil
	})

	require.NoError(t, f.driver(t, gateway, nil).Recover())

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Equal(t, "## Facts\ncurrent fact\n", string(content))

	_, err = os.Stat(f.sandboxFile())
	require.True(t, os.IsNotExist(err))
}

func Test_Recover_CommitsSandbox_When_GlobalMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, os.MkdirAll(f.sandboxDir, 0o755))
	require.NoError(t, os.WriteFile(f.sandboxFile(), []byte("## Facts\norphaned fact\n"), 0o644))

	gateway := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, nil
	})

	require.NoError(t, f.driver(t, gateway, nil).Recover())

	content, err := os.ReadFile(f.memoryPath)
	require.NoError(t, err)
	require.Equal(t, "## Facts\norphaned fact\n", string(content))
}

func Test_Recover_IsNoOp_When_NoSandboxFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	gateway := llm.Func(func(context.Context, llm.Task) (llm.Result, error) {
		return llm.Result{}, nil
	})

	require.NoError(t, f.driver(t, gateway, nil).Recover())

	_, err := os.Stat(f.memoryPath)
	require.True(t, os.IsNotExist(err))
}
