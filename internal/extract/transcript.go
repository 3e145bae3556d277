// Package extract discovers conversation transcripts and drives sandboxed
// fact extraction into the global memory file.
//
// Transcripts are markdown files dropped into each vault's inbox chats
// directory. An extraction run stages a copy of the memory file in a sandbox
// directory, lets the LLM gateway edit the copy, then promotes it atomically.
// The gateway is never given the global memory path.
package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"memloop/internal/ledger"
	"memloop/internal/vault"
)

// TranscriptMeta is the small well-known header a transcript may carry. All
// fields are optional; a transcript without frontmatter is still valid.
type TranscriptMeta struct {
	Date      string
	Time      string
	SessionID string
	Title     string
}

// Transcript is one chat file pending extraction.
type Transcript struct {
	VaultID  string
	RelPath  string
	AbsPath  string
	Checksum string
	Meta     TranscriptMeta
}

// LedgerKey returns the transcript's processing-ledger key.
func (t Transcript) LedgerKey() string {
	return ledger.Key(t.VaultID, t.RelPath)
}

// DiscoverTranscripts lists the markdown files in each vault's chats
// directory and returns those the ledger has not seen at their current
// checksum. A vault without a chats directory contributes nothing.
func DiscoverTranscripts(vaults []vault.Vault, led *ledger.Ledger) ([]Transcript, error) {
	var transcripts []Transcript

	for _, v := range vaults {
		chatsDir := v.ChatsDir()

		entries, err := os.ReadDir(chatsDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("read chats dir %q: %w", chatsDir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".md" {
				continue
			}

			absPath := filepath.Join(chatsDir, entry.Name())

			content, readErr := os.ReadFile(absPath)
			if readErr != nil {
				return nil, fmt.Errorf("read transcript %q: %w", absPath, readErr)
			}

			rel, relErr := filepath.Rel(v.Root, absPath)
			if relErr != nil {
				return nil, relErr
			}

			rel = filepath.ToSlash(rel)
			checksum := ledger.Checksum(content)

			if led.IsProcessed(ledger.Key(v.ID, rel), checksum) {
				continue
			}

			transcripts = append(transcripts, Transcript{
				VaultID:  v.ID,
				RelPath:  rel,
				AbsPath:  absPath,
				Checksum: checksum,
				Meta:     scanTranscriptHeader(content),
			})
		}
	}

	slices.SortFunc(transcripts, func(a, b Transcript) int {
		return strings.Compare(a.LedgerKey(), b.LedgerKey())
	})

	return transcripts, nil
}

// scanTranscriptHeader reads the delimited header block line by line. The
// header holds at most four known scalar keys, so a direct scan beats a full
// YAML parse; unknown keys are ignored.
func scanTranscriptHeader(content []byte) TranscriptMeta {
	var meta TranscriptMeta

	scanner := bufio.NewScanner(bytes.NewReader(content))

	if !scanner.Scan() || strings.TrimRight(scanner.Text(), " \t") != "---" {
		return meta
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimRight(line, " \t") == "---" {
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		value = strings.Trim(strings.TrimSpace(value), `"'`)

		switch strings.TrimSpace(key) {
		case "date":
			meta.Date = value
		case "time":
			meta.Time = value
		case "session_id":
			meta.SessionID = value
		case "title":
			meta.Title = value
		}
	}

	return meta
}
