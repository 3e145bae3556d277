// Package vocab maps free-form strings to canonical vocabulary terms.
//
// Matching is local first (case-insensitive, whitespace-collapsed comparison
// against each canonical term and its variations) with an optional LLM
// fallback. An LLM answer counts only if it names a term already in the
// vocabulary; the normalizer never invents terms.
package vocab

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"memloop/internal/llm"
	"memloop/internal/logging"
)

// Vocabulary maps a canonical term to its accepted variation strings.
type Vocabulary map[string][]string

// Result is the outcome of normalizing one term.
type Result struct {
	// Term is the canonical term when Matched, the input otherwise.
	Term string

	// Matched reports whether the term resolved to a canonical.
	Matched bool
}

// Normalizer resolves terms against a vocabulary.
type Normalizer struct {
	gateway llm.Gateway // nil disables the fallback
}

// NewNormalizer creates a Normalizer. A nil gateway disables the LLM
// fallback; unknown terms then pass through unchanged.
func NewNormalizer(gateway llm.Gateway) *Normalizer {
	return &Normalizer{gateway: gateway}
}

// Normalize resolves a single term.
func (n *Normalizer) Normalize(ctx context.Context, term string, vocabulary Vocabulary) Result {
	folded := fold(term)

	for canonical, variations := range vocabulary {
		if folded == fold(canonical) {
			return Result{Term: canonical, Matched: true}
		}

		for _, variation := range variations {
			if folded == fold(variation) {
				return Result{Term: canonical, Matched: true}
			}
		}
	}

	if n.gateway == nil {
		return Result{Term: term}
	}

	canonical, ok := n.consultGateway(ctx, term, vocabulary)
	if !ok {
		return Result{Term: term}
	}

	return Result{Term: canonical, Matched: true}
}

// NormalizeAll resolves terms independently, preserving order and length.
func (n *Normalizer) NormalizeAll(ctx context.Context, terms []string, vocabulary Vocabulary) []Result {
	results := make([]Result, len(terms))
	for i, term := range terms {
		results[i] = n.Normalize(ctx, term, vocabulary)
	}

	return results
}

func (n *Normalizer) consultGateway(ctx context.Context, term string, vocabulary Vocabulary) (string, bool) {
	canonicals := make([]string, 0, len(vocabulary))
	for canonical := range vocabulary {
		canonicals = append(canonicals, canonical)
	}

	slices.Sort(canonicals)

	prompt := fmt.Sprintf(
		"Map the term %q to exactly one of the following canonical terms, "+
			"or answer \"none\" if it matches none of them:\n%s\n"+
			"Answer with the canonical term only.",
		term, strings.Join(canonicals, "\n"),
	)

	result, err := n.gateway.Execute(ctx, llm.Task{Prompt: prompt})
	if err != nil {
		log := logging.With("vocab")
		log.Debug().Err(err).Str("term", term).Msg("llm fallback failed")

		return "", false
	}

	answer := fold(result.Output)

	for _, canonical := range canonicals {
		if answer == fold(canonical) {
			return canonical, true
		}
	}

	return "", false
}

// fold lowercases and collapses all whitespace runs to single spaces.
func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
