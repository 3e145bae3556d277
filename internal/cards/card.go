// Package cards generates spaced-repetition review cards from vault notes.
//
// A daily pass walks each card-enabled vault for recently modified notes and
// asks an LLM generator for question/answer pairs; each pair becomes one card
// file under the vault's metadata cards directory. A weekly pass works off
// the older backlog under a byte budget. Processed notes are fingerprinted in
// a ledger so a note is handled at most once per content version.
package cards

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TypeQA is the only card type produced by discovery.
const TypeQA = "qa"

// Default spaced-repetition state for a freshly created card.
const (
	DefaultEaseFactor  = 2.5
	DefaultInterval    = 0
	DefaultRepetitions = 0
)

// Card is one generated question/answer pair.
type Card struct {
	Question string
	Answer   string
}

// renderCard produces the exact card file bytes. Frontmatter key order is
// fixed; review tooling reads these files positionally. sourceFile is
// omitted when empty.
func renderCard(id string, card Card, sourceFile string, today time.Time) []byte {
	date := today.Format("2006-01-02")

	var b strings.Builder

	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %s\n", id)
	fmt.Fprintf(&b, "type: %s\n", TypeQA)
	fmt.Fprintf(&b, "created_date: %s\n", date)
	b.WriteString("last_reviewed: null\n")
	fmt.Fprintf(&b, "next_review: %s\n", date)
	fmt.Fprintf(&b, "ease_factor: %s\n", strconv.FormatFloat(DefaultEaseFactor, 'g', -1, 64))
	fmt.Fprintf(&b, "interval: %d\n", DefaultInterval)
	fmt.Fprintf(&b, "repetitions: %d\n", DefaultRepetitions)

	if sourceFile != "" {
		fmt.Fprintf(&b, "source_file: %s\n", sourceFile)
	}

	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "## Question\n\n%s\n\n## Answer\n\n%s\n", card.Question, card.Answer)

	return []byte(b.String())
}
