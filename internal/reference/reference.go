// Package reference implements the `^task.path` reference mini-language:
// whole-argument references that substitute an entire prior task's
// recorded field, and brace-embedded `{^task.path}` references that
// splice a single value into the middle of a larger string.
package reference

import (
	"fmt"
	"strings"

	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// referencePrefix marks a string (or a brace-delimited span within one)
// as a reference into a prior task's stored record.
const referencePrefix = "^"

// IsReference reports whether s is a whole-value reference.
func IsReference(s string) bool {
	return strings.HasPrefix(s, referencePrefix)
}

// ParseReference splits a reference of the form `^task.field.subfield`
// (or bare `task.field...` without the caret) into its dot-separated
// path, with any leading `^` stripped from the first segment.
func ParseReference(ref string) []string {
	parts := strings.Split(ref, ".")
	parts[0] = strings.TrimPrefix(parts[0], referencePrefix)
	return parts
}

// ExtractOutputs walks path through the nested field map results,
// returning nil the moment any segment is missing rather than erroring:
// a reference to a not-yet-populated field resolves to an absent value,
// which callers treat as "nothing to substitute" rather than a failure.
func ExtractOutputs(path []string, results map[string]any) any {
	var cur any = results
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[key]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// Lookup returns the stored field map for a task's record within a
// pipeline, keyed by the task's local (in-pipeline) name.
type Lookup func(pipelineID, taskName string) (map[string]any, error)

// Resolver rewrites references against a Lookup. A Resolver is not
// bound to one pipeline: pipelineID is supplied per call rather than
// fixed at construction.
type Resolver struct {
	Lookup Lookup
}

// NewResolver builds a Resolver backed by lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{Lookup: lookup}
}

// ExtractOutputs resolves a whole-value reference (e.g. "^gen.outputs.path")
// against the named task's stored record within pipelineID.
func (r *Resolver) ExtractOutputs(pipelineID, reference string) (any, error) {
	parts := ParseReference(reference)
	taskName, path := parts[0], parts[1:]
	data, err := r.Lookup(pipelineID, taskName)
	if err != nil {
		return nil, err
	}
	return ExtractOutputs(path, data), nil
}

// Rewrite resolves every reference in value. A value that is, in its
// entirety, a reference (no surrounding text) resolves to whatever the
// referenced field holds, which may be any type (a string, a list, a
// map). A value containing one or more `{^...}` spans has each span
// replaced by its resolved value spliced into the surrounding text;
// spans nest, resolving innermost-first, and a span whose resolution
// isn't itself a string is an error, since it cannot be spliced into
// the text around it. An unmatched `}` is copied through literally; an
// unmatched trailing `{` copies the rest of the string through
// unresolved, exactly as the brace that opened it was never closed.
func (r *Resolver) Rewrite(pipelineID, value string) (any, error) {
	runes := []rune(value)
	var starts []int
	var parts []any

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '{':
			starts = append(starts, i+1)
		case '}':
			if len(starts) == 0 {
				parts = append(parts, "}")
				continue
			}
			start := starts[len(starts)-1]
			starts = starts[:len(starts)-1]
			if len(starts) == 0 {
				toSub := string(runes[start:i])
				sub, err := r.Rewrite(pipelineID, toSub)
				if err != nil {
					return nil, err
				}
				if subStr, ok := sub.(string); ok && subStr == toSub {
					sub = "{" + subStr + "}"
				}
				parts = append(parts, sub)
			}
		default:
			if len(starts) == 0 {
				parts = append(parts, string(runes[i]))
			}
		}
	}
	if len(starts) > 0 {
		parts = append(parts, string(runes[starts[0]-1:]))
	}

	joined, err := joinParts(parts)
	if err != nil {
		return nil, err
	}
	if IsReference(joined) {
		return r.ExtractOutputs(pipelineID, joined)
	}
	return joined, nil
}

// RewriteAll applies Rewrite to every element of values in order,
// collecting the results. Used for a task's args/inputs lists.
func (r *Resolver) RewriteAll(pipelineID string, values []string) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		resolved, err := r.Rewrite(pipelineID, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// joinParts concatenates the literal and resolved spans built up by
// Rewrite. Every part must be a string: a brace span that resolved to
// something else (a list, a map) has nothing sensible to splice into
// its surrounding text.
func joinParts(parts []any) (string, error) {
	var b strings.Builder
	for _, p := range parts {
		s, ok := p.(string)
		if !ok {
			return "", apierrors.Wrap(
				fmt.Errorf("reference resolved to %T, not a string, and cannot be embedded in surrounding text", p),
				"rewrite reference",
			)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}
