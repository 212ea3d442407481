package reference

import (
	"testing"

	"gotest.tools/assert"
)

func fixedLookup(data map[string]map[string]any) Lookup {
	return func(pipelineID, taskName string) (map[string]any, error) {
		return data[taskName], nil
	}
}

func TestIsReference(t *testing.T) {
	assert.Equal(t, IsReference("^gen.out"), true)
	assert.Equal(t, IsReference("gen.out"), false)
	assert.Equal(t, IsReference(""), false)
}

func TestParseReference(t *testing.T) {
	assert.DeepEqual(t, ParseReference("^gen.outputs.path"), []string{"gen", "outputs", "path"})
	assert.DeepEqual(t, ParseReference("gen.outputs.path"), []string{"gen", "outputs", "path"})
}

func TestExtractOutputsMissingFieldReturnsNil(t *testing.T) {
	results := map[string]any{"outputs": map[string]any{"path": "/x"}}
	v := ExtractOutputs([]string{"missing"}, results)
	assert.Assert(t, v == nil)
}

func TestExtractOutputsNested(t *testing.T) {
	results := map[string]any{"outputs": map[string]any{"path": "/x"}}
	v := ExtractOutputs([]string{"outputs", "path"}, results)
	assert.Equal(t, v, "/x")
}

func TestResolverWholeValueReferenceReturnsAnyType(t *testing.T) {
	r := NewResolver(fixedLookup(map[string]map[string]any{
		"gen": {"outputs": map[string]any{"paths": []string{"/a", "/b"}}},
	}))
	v, err := r.Rewrite("pipe", "^gen.outputs.paths")
	assert.NilError(t, err)
	assert.DeepEqual(t, v, []string{"/a", "/b"})
}

func TestResolverBraceSpliceIntoText(t *testing.T) {
	r := NewResolver(fixedLookup(map[string]map[string]any{
		"gen": {"outputs": map[string]any{"path": "/data/out"}},
	}))
	v, err := r.Rewrite("pipe", "--in={^gen.outputs.path}-suffix")
	assert.NilError(t, err)
	assert.Equal(t, v, "--in=/data/out-suffix")
}

func TestResolverNestedBraces(t *testing.T) {
	r := NewResolver(fixedLookup(map[string]map[string]any{
		"gen": {"outputs": map[string]any{"path": "/data/out"}},
	}))
	v, err := r.Rewrite("pipe", "prefix-{outer-{^gen.outputs.path}-end}-suffix")
	assert.NilError(t, err)
	assert.Equal(t, v, "prefix-outer-/data/out-end-suffix")
}

func TestResolverUnmatchedCloseBraceIsLiteral(t *testing.T) {
	r := NewResolver(fixedLookup(nil))
	v, err := r.Rewrite("pipe", "no-span}-here")
	assert.NilError(t, err)
	assert.Equal(t, v, "no-span}-here")
}

func TestResolverDanglingOpenBraceCopiesRest(t *testing.T) {
	r := NewResolver(fixedLookup(nil))
	v, err := r.Rewrite("pipe", "start-{unclosed rest")
	assert.NilError(t, err)
	assert.Equal(t, v, "start-{unclosed rest")
}

func TestResolverNoSubstitutionLeavesBracesInPlace(t *testing.T) {
	r := NewResolver(fixedLookup(nil))
	v, err := r.Rewrite("pipe", "{not-a-reference}")
	assert.NilError(t, err)
	assert.Equal(t, v, "{not-a-reference}")
}

func TestResolverNonStringSpliceIsError(t *testing.T) {
	r := NewResolver(fixedLookup(map[string]map[string]any{
		"gen": {"outputs": map[string]any{"paths": []string{"/a", "/b"}}},
	}))
	_, err := r.Rewrite("pipe", "--in={^gen.outputs.paths}-suffix")
	assert.ErrorContains(t, err, "cannot be embedded")
}

func TestResolverRewriteAll(t *testing.T) {
	r := NewResolver(fixedLookup(map[string]map[string]any{
		"gen": {"outputs": map[string]any{"path": "/data/out"}},
	}))
	values, err := r.RewriteAll("pipe", []string{"--in={^gen.outputs.path}", "literal"})
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []any{"--in=/data/out", "literal"})
}
