// Package wire implements the control protocol's message framing: a
// duplex stream of newline-delimited JSON objects, `{command, request}`
// inbound and `{status, response, ...}` outbound, exactly the shape the
// original websocket handler read and wrote — only the transport (a
// plain byte stream instead of a websocket) differs.
package wire

import (
	"bufio"
	"encoding/json"
	"io"
)

// Status values a Response carries.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
	StatusEnd   = "END"
)

// Request is one inbound command frame.
type Request struct {
	Command string          `json:"command"`
	Request json.RawMessage `json:"request"`
}

// Response is one outbound reply frame. Extra carries any fields the
// request itself wants echoed back alongside status/response, mirroring
// send_with_extra's behavior of merging the original request's leftover
// fields into every reply on that connection.
type Response struct {
	Status   string         `json:"status"`
	Response any            `json:"response"`
	Extra    map[string]any `json:"-"`
}

// MarshalJSON flattens Extra's keys alongside status/response, the way
// send_with_extra layers `data.update(extras)` before serializing.
func (r Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["status"] = r.Status
	m["response"] = r.Response
	return json.Marshal(m)
}

// Decoder reads newline-delimited Request frames off a stream.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Decode reads the next Request, returning io.EOF when the stream ends.
func (d *Decoder) Decode() (Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Encoder writes newline-delimited Response frames to a stream.
type Encoder struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Send writes one frame and flushes it immediately: the protocol has no
// notion of batching, and a streaming command (LOGS --follow, START's
// progress messages) needs every frame to reach the client as it's
// produced.
func (e *Encoder) Send(status string, response any, extra map[string]any) error {
	if err := e.enc.Encode(Response{Status: status, Response: response, Extra: extra}); err != nil {
		return err
	}
	return e.w.Flush()
}

// OK sends a StatusOK frame.
func (e *Encoder) OK(response any, extra map[string]any) error {
	return e.Send(StatusOK, response, extra)
}

// End sends a StatusEnd frame, the terminal frame of a stream.
func (e *Encoder) End(response any, extra map[string]any) error {
	return e.Send(StatusEnd, response, extra)
}

// Err sends a StatusError frame built from err's message.
func (e *Encoder) Err(err error, extra map[string]any) error {
	return e.Send(StatusError, err.Error(), extra)
}
