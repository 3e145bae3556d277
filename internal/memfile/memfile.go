// Package memfile maintains the size-bounded global memory file.
//
// The file is plain markdown: level-2 headings act as sections, and the lines
// below each heading are fact lines, oldest at the top. The store offers
// append-with-dedup and a hard 50 KiB size ceiling enforced by evicting the
// oldest lines of whichever section is currently largest.
package memfile

import (
	"math"
	"strings"
	"unicode"

	"github.com/hbollon/go-edlib"
)

// Size limits in UTF-8 bytes.
const (
	MaxBytes  = 50 * 1024
	WarnBytes = 45 * 1024
)

// Two facts are duplicates when their normalized Levenshtein similarity
// reaches this threshold.
const duplicateThreshold = 0.9

const maxPruneIterations = 1000

// Section is one heading and the lines beneath it. The pseudo-section before
// the first heading has an empty Header.
type Section struct {
	Header string
	Lines  []string
}

// File is a parsed memory file.
type File struct {
	Sections []Section
}

// Parse splits content into sections. Lines before the first "## " heading
// belong to a pseudo-section with an empty header.
func Parse(content string) *File {
	file := &File{}

	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return file
	}

	current := Section{}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			if current.Header != "" || len(current.Lines) > 0 {
				file.Sections = append(file.Sections, current)
			}

			current = Section{Header: line}

			continue
		}

		current.Lines = append(current.Lines, line)
	}

	file.Sections = append(file.Sections, current)

	return file
}

// Render emits the file's text. The result ends with exactly one newline;
// an empty file renders as the empty string.
func (f *File) Render() string {
	var builder strings.Builder

	for _, section := range f.Sections {
		if section.Header != "" {
			builder.WriteString(section.Header)
			builder.WriteByte('\n')
		}

		for _, line := range section.Lines {
			builder.WriteString(line)
			builder.WriteByte('\n')
		}
	}

	out := strings.TrimRight(builder.String(), "\n")
	if out == "" {
		return ""
	}

	return out + "\n"
}

// FactLines returns all non-blank, non-heading lines across sections.
func (f *File) FactLines() []string {
	var facts []string

	for _, section := range f.Sections {
		for _, line := range section.Lines {
			if strings.TrimSpace(line) != "" {
				facts = append(facts, line)
			}
		}
	}

	return facts
}

// AddFacts appends facts under heading, creating the section at the end if
// absent. Each fact is checked against every existing fact line and against
// previously accepted new facts; duplicates are dropped and counted.
func (f *File) AddFacts(heading string, facts []string) (added, duplicates int) {
	existing := make([]string, 0, 64)
	for _, fact := range f.FactLines() {
		existing = append(existing, normalizeFact(fact))
	}

	idx := f.sectionIndex(heading)

	for _, fact := range facts {
		normalized := normalizeFact(fact)
		if isDuplicate(normalized, existing) {
			duplicates++

			continue
		}

		if idx == -1 {
			f.Sections = append(f.Sections, Section{Header: "## " + heading})
			idx = len(f.Sections) - 1
		}

		f.Sections[idx].Lines = append(f.Sections[idx].Lines, fact)
		existing = append(existing, normalized)
		added++
	}

	return added, duplicates
}

// Dedup removes lines that duplicate an earlier fact line, keeping the first
// occurrence, and returns the cleaned text with the number of lines dropped.
func Dedup(content string) (string, int) {
	file := Parse(content)
	seen := make([]string, 0, 64)
	dropped := 0

	for i := range file.Sections {
		kept := file.Sections[i].Lines[:0]

		for _, line := range file.Sections[i].Lines {
			if strings.TrimSpace(line) == "" {
				kept = append(kept, line)

				continue
			}

			normalized := normalizeFact(line)
			if isDuplicate(normalized, seen) {
				dropped++

				continue
			}

			seen = append(seen, normalized)
			kept = append(kept, line)
		}

		file.Sections[i].Lines = kept
	}

	return file.Render(), dropped
}

// Enforce prunes content until it fits MaxBytes.
//
// Each round removes max(1, ceil(overage/100)) lines, capped at 10% of the
// section, from the top of the section that currently has the most non-blank
// lines. Returns the pruned text, the number of lines removed, and whether
// the bounded iteration count was hit before fitting.
func Enforce(content string) (out string, pruned int, bailed bool) {
	if len(content) <= MaxBytes {
		return ensureTrailingNewline(content), 0, false
	}

	file := Parse(content)

	for iter := 0; iter < maxPruneIterations; iter++ {
		rendered := file.Render()
		if len(rendered) <= MaxBytes {
			return rendered, pruned, false
		}

		overage := len(rendered) - MaxBytes

		idx := largestSection(file)
		if idx == -1 {
			return rendered, pruned, true
		}

		count := nonBlankCount(file.Sections[idx])

		remove := int(math.Ceil(float64(overage) / 100))
		if remove < 1 {
			remove = 1
		}

		cap10 := int(math.Ceil(float64(count) * 0.1))
		if cap10 < 1 {
			cap10 = 1
		}

		if remove > cap10 {
			remove = cap10
		}

		removed := removeFromTop(&file.Sections[idx], remove)
		if removed == 0 {
			return rendered, pruned, true
		}

		pruned += removed
	}

	return file.Render(), pruned, true
}

func (f *File) sectionIndex(heading string) int {
	header := "## " + heading

	for i, section := range f.Sections {
		if section.Header == header {
			return i
		}
	}

	return -1
}

func largestSection(f *File) int {
	best := -1
	bestCount := 0

	for i, section := range f.Sections {
		count := nonBlankCount(section)
		if count > bestCount {
			best = i
			bestCount = count
		}
	}

	return best
}

func nonBlankCount(section Section) int {
	count := 0

	for _, line := range section.Lines {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}

	return count
}

// removeFromTop drops the first n non-blank lines of section, oldest first.
func removeFromTop(section *Section, n int) int {
	removed := 0
	kept := section.Lines[:0]

	for _, line := range section.Lines {
		if removed < n && strings.TrimSpace(line) != "" {
			removed++

			continue
		}

		kept = append(kept, line)
	}

	section.Lines = kept

	return removed
}

func isDuplicate(normalized string, existing []string) bool {
	if normalized == "" {
		return false
	}

	for _, candidate := range existing {
		if candidate == "" {
			continue
		}

		if candidate == normalized {
			return true
		}

		similarity, err := edlib.StringsSimilarity(normalized, candidate, edlib.Levenshtein)
		if err == nil && float64(similarity) >= duplicateThreshold {
			return true
		}
	}

	return false
}

// normalizeFact lowercases, strips punctuation, and collapses whitespace so
// cosmetic differences don't defeat duplicate detection.
func normalizeFact(s string) string {
	var builder strings.Builder

	for _, r := range strings.ToLower(s) {
		if unicode.IsPunct(r) {
			continue
		}

		builder.WriteRune(r)
	}

	return strings.Join(strings.Fields(builder.String()), " ")
}

func ensureTrailingNewline(s string) string {
	trimmed := strings.TrimRight(s, "\n")
	if trimmed == "" {
		return ""
	}

	return trimmed + "\n"
}
