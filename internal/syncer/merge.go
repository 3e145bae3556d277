package syncer

import (
	"reflect"

	"memloop/internal/frontmatter"
)

// applyMerge writes value at key according to strategy and reports whether
// the document changed.
func applyMerge(doc *frontmatter.Doc, key string, value any, strategy Strategy) (bool, error) {
	switch strategy {
	case StrategyOverwrite:
		err := doc.Set(key, value)

		return err == nil, err

	case StrategyPreserve:
		// Absent means undefined; an explicit null still counts as present.
		if doc.Has(key) {
			return false, nil
		}

		err := doc.Set(key, value)

		return err == nil, err

	case StrategyMerge:
		newList, newIsList := value.([]any)
		if !newIsList {
			// Scalars have no union semantics; merge degrades to preserve.
			return applyMerge(doc, key, value, StrategyPreserve)
		}

		existing, present := doc.Get(key)
		if !present {
			err := doc.Set(key, value)

			return err == nil, err
		}

		existingList, existingIsList := existing.([]any)
		if !existingIsList {
			return false, nil
		}

		merged := unionOrdered(existingList, newList)
		if len(merged) == len(existingList) {
			return false, nil
		}

		err := doc.Set(key, merged)

		return err == nil, err
	}

	// Unknown strategies are caught at validation; fall back to overwrite.
	err := doc.Set(key, value)

	return err == nil, err
}

// unionOrdered returns existing followed by the new values not already
// present, preserving both orders.
func unionOrdered(existing, incoming []any) []any {
	merged := make([]any, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	for _, value := range incoming {
		if !containsValue(merged, value) {
			merged = append(merged, value)
		}
	}

	return merged
}

func containsValue(list []any, value any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, value) {
			return true
		}
	}

	return false
}
