// Package frontmatter parses and serializes markdown documents with a leading
// YAML frontmatter block.
//
// Frontmatter is kept as a yaml.Node tree rather than a plain map so that a
// parse → edit → serialize round trip preserves key order, value styles, and
// the int/float distinction for numeric fields. Only keys touched through
// [Doc.Set] change; everything else re-emits as it was parsed.
//
// Dotted keys address nested mappings: Set("bgg.rating", 8.57) creates the
// intermediate "bgg" mapping if needed. Keys themselves may not contain dots.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var delimiter = []byte("---")

// Doc is a markdown document split into frontmatter data and an opaque body.
type Doc struct {
	root *yaml.Node // mapping node; nil when the document has no frontmatter
	body []byte
}

// Parse splits content into frontmatter and body.
//
// If the content begins with a line containing only "---", the block up to
// the next such line is parsed as YAML; otherwise the document has an empty
// mapping and the full content as body. Malformed YAML inside the delimiters
// is an error.
func Parse(content []byte) (*Doc, error) {
	block, body, found := splitFrontmatter(content)
	if !found {
		return &Doc{body: content}, nil
	}

	var docNode yaml.Node

	err := yaml.Unmarshal(block, &docNode)
	if err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	root := unwrapDocument(&docNode)
	if root != nil && root.Kind != yaml.MappingNode {
		return nil, errors.New("parse frontmatter: top level is not a mapping")
	}

	return &Doc{root: root, body: body}, nil
}

// Body returns the markdown body following the frontmatter.
func (d *Doc) Body() string {
	return string(d.body)
}

// SetBody replaces the markdown body.
func (d *Doc) SetBody(body string) {
	d.body = []byte(body)
}

// Keys returns the top-level frontmatter keys in document order.
func (d *Doc) Keys() []string {
	if d.root == nil {
		return nil
	}

	keys := make([]string, 0, len(d.root.Content)/2)
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		keys = append(keys, d.root.Content[i].Value)
	}

	return keys
}

// Get resolves a dotted key to its decoded value.
//
// The second return reports presence: a key explicitly set to null returns
// (nil, true), a missing key returns (nil, false). Decoded values are
// JSON-compatible: string, int, float64, bool, nil, []any, map[string]any.
func (d *Doc) Get(path string) (any, bool) {
	node := d.lookup(path)
	if node == nil {
		return nil, false
	}

	var value any

	err := node.Decode(&value)
	if err != nil {
		return nil, false
	}

	return value, true
}

// GetString resolves a dotted key to a string value.
// Returns ("", false) if the key is missing or not a string scalar.
func (d *Doc) GetString(path string) (string, bool) {
	value, ok := d.Get(path)
	if !ok {
		return "", false
	}

	str, ok := value.(string)

	return str, ok
}

// Has reports whether a dotted key is present, even when its value is null.
func (d *Doc) Has(path string) bool {
	return d.lookup(path) != nil
}

// Set writes value at the dotted key, creating intermediate mappings as
// needed. Replacing a non-mapping intermediate with a mapping is an error.
func (d *Doc) Set(path string, value any) error {
	parts := strings.Split(path, ".")

	if d.root == nil {
		d.root = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}

	current := d.root

	for _, part := range parts[:len(parts)-1] {
		child := mappingValue(current, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			appendEntry(current, part, child)
		} else if child.Kind != yaml.MappingNode {
			return fmt.Errorf("set %q: %q is not a mapping", path, part)
		}

		current = child
	}

	valueNode, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}

	last := parts[len(parts)-1]

	existing := mappingValue(current, last)
	if existing != nil {
		*existing = *valueNode

		return nil
	}

	appendEntry(current, last, valueNode)

	return nil
}

// Serialize emits the document as markdown bytes.
//
// Documents with frontmatter emit "---\n<yaml>---\n\n<body>"; documents
// without any frontmatter keys emit the body alone.
func (d *Doc) Serialize() ([]byte, error) {
	if d.root == nil || len(d.root.Content) == 0 {
		return d.body, nil
	}

	var buf bytes.Buffer

	buf.Write(delimiter)
	buf.WriteByte('\n')

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	err := enc.Encode(d.root)
	if err != nil {
		return nil, fmt.Errorf("serialize frontmatter: %w", err)
	}

	err = enc.Close()
	if err != nil {
		return nil, fmt.Errorf("serialize frontmatter: %w", err)
	}

	buf.Write(delimiter)
	buf.WriteByte('\n')

	if len(d.body) > 0 {
		buf.WriteByte('\n')
		buf.Write(d.body)
	}

	return buf.Bytes(), nil
}

func (d *Doc) lookup(path string) *yaml.Node {
	if d.root == nil {
		return nil
	}

	current := d.root

	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil
		}

		current = mappingValue(current, part)
		if current == nil {
			return nil
		}
	}

	return current
}

// splitFrontmatter returns the YAML block, the body, and whether delimiters
// were found. The body starts after the closing delimiter line with a single
// leading blank line trimmed (the one Serialize re-adds).
func splitFrontmatter(content []byte) (block, body []byte, found bool) {
	rest, ok := cutDelimiterLine(content)
	if !ok {
		return nil, nil, false
	}

	offset := 0

	for offset <= len(rest) {
		lineEnd := bytes.IndexByte(rest[offset:], '\n')

		var line []byte
		if lineEnd == -1 {
			line = rest[offset:]
			lineEnd = len(rest) - offset
		} else {
			line = rest[offset : offset+lineEnd]
		}

		if bytes.Equal(trimCR(line), delimiter) {
			block = rest[:offset]
			tailStart := offset + lineEnd + 1

			if tailStart >= len(rest) {
				return block, nil, true
			}

			body = rest[tailStart:]
			if len(body) > 0 && body[0] == '\n' {
				body = body[1:]
			} else if len(body) > 1 && body[0] == '\r' && body[1] == '\n' {
				body = body[2:]
			}

			return block, body, true
		}

		offset += lineEnd + 1
	}

	return nil, nil, false
}

func cutDelimiterLine(content []byte) ([]byte, bool) {
	if !bytes.HasPrefix(content, delimiter) {
		return nil, false
	}

	rest := content[len(delimiter):]

	switch {
	case len(rest) == 0:
		return nil, false
	case rest[0] == '\n':
		return rest[1:], true
	case len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n':
		return rest[2:], true
	}

	return nil, false
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}

	return line
}

func unwrapDocument(node *yaml.Node) *yaml.Node {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}

		return node.Content[0]
	}

	return node
}

func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}

	return nil
}

func appendEntry(mapping *yaml.Node, key string, value *yaml.Node) {
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	mapping.Content = append(mapping.Content, keyNode, value)
}

func encodeValue(value any) (*yaml.Node, error) {
	if node, ok := value.(*yaml.Node); ok {
		return node, nil
	}

	node := &yaml.Node{}

	err := node.Encode(value)
	if err != nil {
		return nil, err
	}

	return node, nil
}
