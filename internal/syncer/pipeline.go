// Package syncer ingests external API data into note frontmatter.
//
// Each vault carries declarative pipeline configs under
// .memory-loop/sync/*.yaml. A pipeline binds a connector, a file-matching
// rule, ordered field mappings, and merge policy. Invalid configs are
// reported and skipped; valid siblings still run. An error on one file never
// aborts the pipeline, and an error in one pipeline never aborts another.
package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"memloop/internal/vocab"
)

// Strategy decides how a synced value interacts with an existing value.
type Strategy string

// Field-merge strategies.
const (
	// StrategyOverwrite always replaces the target value.
	StrategyOverwrite Strategy = "overwrite"

	// StrategyPreserve keeps an existing value; absent targets are set.
	StrategyPreserve Strategy = "preserve"

	// StrategyMerge computes an ordered array union; for scalars it
	// behaves as preserve.
	StrategyMerge Strategy = "merge"
)

func validStrategy(s Strategy) bool {
	return s == StrategyOverwrite || s == StrategyPreserve || s == StrategyMerge
}

// MatchRule selects the notes a pipeline applies to.
type MatchRule struct {
	// Field is the frontmatter key holding the external id.
	Field string `yaml:"field"`

	// Pattern is a glob over vault-relative paths; ** is supported.
	Pattern string `yaml:"pattern"`
}

// Defaults apply to fields that do not set their own strategy or target
// prefix.
type Defaults struct {
	MergeStrategy Strategy `yaml:"merge_strategy"`
	Namespace     string   `yaml:"namespace"`
}

// FieldMapping maps one response field to one frontmatter key.
type FieldMapping struct {
	Source    string   `yaml:"source"`
	Target    string   `yaml:"target"`
	Strategy  Strategy `yaml:"strategy"`
	Normalize bool     `yaml:"normalize"`
}

// Pipeline is one validated sync configuration unit.
type Pipeline struct {
	Name       string           `yaml:"name"`
	Connector  string           `yaml:"connector"`
	Match      MatchRule        `yaml:"match"`
	Defaults   Defaults         `yaml:"defaults"`
	Fields     []FieldMapping   `yaml:"fields"`
	Vocabulary vocab.Vocabulary `yaml:"vocabulary"`
}

// Validate checks the pipeline schema.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("missing name")
	}

	if p.Connector == "" {
		return errors.New("missing connector")
	}

	if p.Match.Field == "" {
		return errors.New("missing match.field")
	}

	if p.Match.Pattern == "" {
		return errors.New("missing match.pattern")
	}

	if !doublestar.ValidatePattern(p.Match.Pattern) {
		return fmt.Errorf("invalid match.pattern %q", p.Match.Pattern)
	}

	if len(p.Fields) == 0 {
		return errors.New("missing fields")
	}

	if p.Defaults.MergeStrategy != "" && !validStrategy(p.Defaults.MergeStrategy) {
		return fmt.Errorf("invalid defaults.merge_strategy %q", p.Defaults.MergeStrategy)
	}

	needsVocabulary := false

	for i, field := range p.Fields {
		if field.Source == "" {
			return fmt.Errorf("fields[%d]: missing source", i)
		}

		if field.Target == "" {
			return fmt.Errorf("fields[%d]: missing target", i)
		}

		if field.Strategy != "" && !validStrategy(field.Strategy) {
			return fmt.Errorf("fields[%d]: invalid strategy %q", i, field.Strategy)
		}

		if field.Normalize {
			needsVocabulary = true
		}
	}

	if needsVocabulary && len(p.Vocabulary) == 0 {
		return errors.New("vocabulary required when a field sets normalize")
	}

	return nil
}

// effectiveStrategy resolves a field's strategy through the defaults chain.
func (p *Pipeline) effectiveStrategy(field FieldMapping) Strategy {
	if field.Strategy != "" {
		return field.Strategy
	}

	if p.Defaults.MergeStrategy != "" {
		return p.Defaults.MergeStrategy
	}

	return StrategyOverwrite
}

// targetKey resolves a field's dotted target key under the namespace.
func (p *Pipeline) targetKey(field FieldMapping) string {
	if p.Defaults.Namespace == "" {
		return field.Target
	}

	return p.Defaults.Namespace + "." + field.Target
}

// FailedConfig records one config file that did not validate.
type FailedConfig struct {
	File   string
	Reason string
}

// LoadPipelines reads every *.yaml / *.yml under dir. Invalid files land in
// failed; valid pipelines still load. A missing directory yields no
// pipelines and no error.
func LoadPipelines(dir string) (pipelines []Pipeline, failed []FailedConfig, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}

		return nil, nil, fmt.Errorf("read sync config dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			failed = append(failed, FailedConfig{File: entry.Name(), Reason: readErr.Error()})

			continue
		}

		var pipeline Pipeline

		unmarshalErr := yaml.Unmarshal(data, &pipeline)
		if unmarshalErr != nil {
			failed = append(failed, FailedConfig{File: entry.Name(), Reason: unmarshalErr.Error()})

			continue
		}

		validateErr := pipeline.Validate()
		if validateErr != nil {
			failed = append(failed, FailedConfig{File: entry.Name(), Reason: validateErr.Error()})

			continue
		}

		pipelines = append(pipelines, pipeline)
	}

	return pipelines, failed, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))

	return ext == ".yaml" || ext == ".yml"
}
