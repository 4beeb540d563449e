package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TaggedEntries(t *testing.T) {
	data := []byte(`{"type":"user","uuid":"u1","sessionId":"s1","message":{"role":"user","content":"hello"}}
{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"s1","message":{"role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":1000,"output_tokens":5}}}
{"type":"summary","leafUuid":"a1","summary":"greeting"}
`)
	entries := Parse(data, true)
	require.Len(t, entries, 3)

	assert.Equal(t, TypeUser, entries[0].Type)
	assert.Equal(t, "u1", entries[0].UUID)
	assert.Equal(t, "hello", entries[0].Message.PlainText())

	assert.Equal(t, TypeAssistant, entries[1].Type)
	require.NotNil(t, entries[1].ParentUUID)
	assert.Equal(t, "u1", *entries[1].ParentUUID)
	assert.Equal(t, int64(1000), entries[1].Message.Usage.InputTokens)

	assert.Equal(t, TypeSummary, entries[2].Type)
	assert.Equal(t, "a1", entries[2].LeafUUID)
}

func TestParse_UnknownTypeRetainedVerbatim(t *testing.T) {
	line := `{"type":"future-thing","uuid":"f1","extra":{"nested":true}}`
	entries := Parse([]byte(line+"\n"), true)
	require.Len(t, entries, 1)
	assert.Equal(t, "future-thing", entries[0].Type)

	out, err := json.Marshal(entries[0])
	require.NoError(t, err)
	assert.JSONEq(t, line, string(out))
}

func TestParse_BadLineYieldsXError(t *testing.T) {
	data := []byte("{\"type\":\"user\",\"uuid\":\"u1\"}\nnot json at all\n{\"type\":\"user\",\"uuid\":\"u2\"}\n")
	entries := Parse(data, true)
	require.Len(t, entries, 3)
	assert.Equal(t, TypeParseError, entries[1].Type)
	assert.Equal(t, "not json at all", entries[1].Line)
	assert.Equal(t, 2, entries[1].LineNumber)
}

func TestParse_PartialLastLineDropped(t *testing.T) {
	data := []byte("{\"type\":\"user\",\"uuid\":\"u1\"}\n{\"type\":\"assistant\",\"uu")
	entries := Parse(data, false)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UUID)
}

func TestParse_BlankLinesSkipped(t *testing.T) {
	data := []byte("\n\n{\"type\":\"user\",\"uuid\":\"u1\"}\n\n")
	entries := Parse(data, true)
	require.Len(t, entries, 1)
}

func TestParse_Idempotent(t *testing.T) {
	data := []byte(`{"type":"user","uuid":"u1"}
{"type":"assistant","uuid":"a1"}
broken
{"type":"summary","leafUuid":"a1"}
`)
	first := Parse(data, true)
	second := Parse(data, true)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].UUID, second[i].UUID)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"user\",\"uuid\":\"u1\"}\n"), 0o644))

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = ReadFile(filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}

func TestHasBrokenSummary(t *testing.T) {
	ok := Parse([]byte(`{"type":"user","uuid":"u1"}
{"type":"summary","leafUuid":"u1"}
`), true)
	assert.False(t, HasBrokenSummary(ok))

	broken := Parse([]byte(`{"type":"summary","leafUuid":"u1"}
{"type":"user","uuid":"u1"}
`), true)
	assert.True(t, HasBrokenSummary(broken))
}

func TestMessage_ContentBlocks(t *testing.T) {
	m := &Message{Content: json.RawMessage(`"plain"`)}
	blocks := m.ContentBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "plain", blocks[0].Text)

	m = &Message{Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"big output"},{"type":"text","text":"done"}]`)}
	assert.Equal(t, "done", m.PlainText())
}
