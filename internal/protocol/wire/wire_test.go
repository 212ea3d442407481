package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func TestDecodeReadsCommandAndRequest(t *testing.T) {
	buf := bytes.NewBufferString(`{"command":"PING","request":"hello"}` + "\n")
	dec := NewDecoder(buf)
	req, err := dec.Decode()
	assert.NilError(t, err)
	assert.Equal(t, req.Command, "PING")

	var msg string
	assert.NilError(t, json.Unmarshal(req.Request, &msg))
	assert.Equal(t, msg, "hello")
}

func TestDecodeReadsMultipleFramesInSequence(t *testing.T) {
	buf := bytes.NewBufferString(`{"command":"PING","request":"a"}` + "\n" + `{"command":"PING","request":"b"}` + "\n")
	dec := NewDecoder(buf)

	first, err := dec.Decode()
	assert.NilError(t, err)
	second, err := dec.Decode()
	assert.NilError(t, err)

	var a, b string
	assert.NilError(t, json.Unmarshal(first.Request, &a))
	assert.NilError(t, json.Unmarshal(second.Request, &b))
	assert.Equal(t, a, "a")
	assert.Equal(t, b, "b")
}

func TestEncoderSendWritesStatusAndResponse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	assert.NilError(t, enc.OK("PONG hello", nil))

	var got map[string]any
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, got["status"], StatusOK)
	assert.Equal(t, got["response"], "PONG hello")
}

func TestEncoderSendMergesExtraFields(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	assert.NilError(t, enc.Send(StatusOK, "reply", map[string]any{"correlation_id": "abc"}))

	var got map[string]any
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, got["correlation_id"], "abc")
	assert.Equal(t, got["response"], "reply")
}

func TestEncoderErrWritesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	assert.NilError(t, enc.Err(assertError("boom"), nil))

	var got map[string]any
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, got["status"], StatusError)
	assert.Equal(t, got["response"], "boom")
}

type assertError string

func (e assertError) Error() string { return string(e) }
