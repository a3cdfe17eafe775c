package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds YAML parsing. Configuration files are operator
// supplied, but registry-synced profiles may arrive from peers, so
// parsing stays bounded everywhere.
type YAMLLimits struct {
	MaxFileSize  int64 // maximum input size in bytes
	MaxDepth     int   // maximum nesting depth
	MaxNodes     int   // maximum number of nodes
	MaxKeyLength int   // maximum key length in bytes
	MaxValueSize int64 // maximum scalar value size in bytes
}

// DefaultYAMLLimits returns the limits used for configuration files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  10 * 1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1024 * 1024,
	}
}

// SafeYAMLParser unmarshals YAML while enforcing YAMLLimits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML validates the document structure against the limits,
// then unmarshals into v.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input is %d bytes, limit is %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&root); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}

	validator := &yamlValidator{limits: p.limits}
	if err := validator.validateNode(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// UnmarshalYAMLFromReader reads at most MaxFileSize bytes from r and
// unmarshals them into v.
func (p *SafeYAMLParser) UnmarshalYAMLFromReader(r io.Reader, v any) error {
	limited := io.LimitedReader{R: r, N: p.limits.MaxFileSize + 1}
	data, err := io.ReadAll(&limited)
	if err != nil {
		return fmt.Errorf("reading YAML: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input exceeds limit of %d bytes", p.limits.MaxFileSize)
	}
	return p.UnmarshalYAML(data, v)
}

type yamlValidator struct {
	limits    YAMLLimits
	nodeCount int
}

func (v *yamlValidator) validateNode(node *yaml.Node, depth int) error {
	if depth > v.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds limit %d", depth, v.limits.MaxDepth)
	}
	v.nodeCount++
	if v.nodeCount > v.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds limit %d", v.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := v.validateNode(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid YAML mapping: odd number of elements")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > v.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds limit %d", len(key.Value), v.limits.MaxKeyLength)
			}
			if err := v.validateNode(key, depth+1); err != nil {
				return err
			}
			if err := v.validateNode(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := v.validateNode(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > v.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds limit %d", len(node.Value), v.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			if err := v.validateNode(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
