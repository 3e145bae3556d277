// Package vault models a markdown knowledge vault and its well-known layout.
package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// InstructionsFile marks a directory as a vault and is excluded from card
// discovery at every depth.
const InstructionsFile = "CLAUDE.md"

// Default subpaths inside a vault.
const (
	DefaultInbox    = "inbox"
	DefaultMetadata = ".memory-loop"
	contentSubdir   = "content"
)

// Vault is an immutable per-run description of one knowledge vault.
type Vault struct {
	// ID identifies the vault in ledger keys; it is the root's base name.
	ID string

	// Root is the absolute vault directory.
	Root string

	// ContentRoot is Root, or Root/content when that subdirectory exists.
	ContentRoot string

	// Inbox is the content-root-relative inbox subpath.
	Inbox string

	// Metadata is the content-root-relative metadata subpath.
	Metadata string

	// CardsEnabled gates card discovery for this vault.
	CardsEnabled bool
}

// ChatsDir returns the transcript drop directory.
func (v Vault) ChatsDir() string {
	return filepath.Join(v.ContentRoot, v.Inbox, "chats")
}

// CardsDir returns the directory card files are written to.
func (v Vault) CardsDir() string {
	return filepath.Join(v.ContentRoot, v.Metadata, "cards")
}

// ArchiveDir returns the directory archived cards move to.
func (v Vault) ArchiveDir() string {
	return filepath.Join(v.CardsDir(), "archive")
}

// SyncConfigDir returns the per-vault pipeline config directory.
func (v Vault) SyncConfigDir() string {
	return filepath.Join(v.Root, DefaultMetadata, "sync")
}

// SecretsDir returns the per-vault secrets directory.
func (v Vault) SecretsDir() string {
	return filepath.Join(v.Root, DefaultMetadata, "secrets")
}

// Discover enumerates vaults directly under parentDir. A subdirectory is a
// vault iff it holds the instructions file at its root. Results are sorted by
// ID. CardsEnabled defaults to true; callers apply config overrides.
func Discover(parentDir string) ([]Vault, error) {
	entries, err := os.ReadDir(parentDir)
	if err != nil {
		return nil, fmt.Errorf("read vaults dir %q: %w", parentDir, err)
	}

	var vaults []Vault

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		root := filepath.Join(parentDir, entry.Name())

		_, statErr := os.Stat(filepath.Join(root, InstructionsFile))
		if statErr != nil {
			continue
		}

		contentRoot := root

		info, contentErr := os.Stat(filepath.Join(root, contentSubdir))
		if contentErr == nil && info.IsDir() {
			contentRoot = filepath.Join(root, contentSubdir)
		}

		vaults = append(vaults, Vault{
			ID:           entry.Name(),
			Root:         root,
			ContentRoot:  contentRoot,
			Inbox:        DefaultInbox,
			Metadata:     DefaultMetadata,
			CardsEnabled: true,
		})
	}

	slices.SortFunc(vaults, func(a, b Vault) int {
		return strings.Compare(a.ID, b.ID)
	})

	return vaults, nil
}

// WalkOptions configures MarkdownFiles.
type WalkOptions struct {
	// ExcludeDirs lists root-relative directory paths (slash-separated)
	// whose subtrees are skipped entirely.
	ExcludeDirs []string

	// ExcludeNames lists base names skipped at every depth.
	ExcludeNames []string
}

// MarkdownFiles walks root and returns the root-relative slash-separated
// paths of all markdown files, sorted. Directories whose name begins with a
// dot are always skipped.
func MarkdownFiles(root string, opts WalkOptions) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") || slices.Contains(opts.ExcludeDirs, rel) {
				return fs.SkipDir
			}

			return nil
		}

		if strings.HasPrefix(entry.Name(), ".") || slices.Contains(opts.ExcludeNames, entry.Name()) {
			return nil
		}

		if strings.ToLower(filepath.Ext(entry.Name())) != ".md" {
			return nil
		}

		files = append(files, rel)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	slices.Sort(files)

	return files, nil
}
