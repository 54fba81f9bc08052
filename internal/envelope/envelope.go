// Package envelope encodes privileged calls and their results.
//
// Each connection carries exactly one request and one response, so the wire
// format is a single JSON document in each direction with no length prefix:
// the client half-closes after writing and the server reads to EOF.
package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/boxadmin/privd/internal/fault"
	"github.com/google/uuid"
)

// MaxRequestSize bounds a single encoded request.
const MaxRequestSize = 1_000_000

// MaxResultSize bounds a single JSON result. Raw streams are not bounded.
const MaxResultSize = 64 << 20

// Outcome tags a Result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFault   Outcome = "fault"
)

// Flags are the control flags the framework recognises. They are never
// forwarded to the operation body.
type Flags struct {
	SuppressErrorLog bool   `json:"suppress_error_log,omitempty"`
	RunAsUser        string `json:"run_as_user,omitempty"`
	RawOutput        bool   `json:"raw_output,omitempty"`
}

// Request is the call envelope.
type Request struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	Flags  Flags          `json:"flags"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(name string, args []any, kwargs map[string]any, flags Flags) *Request {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &Request{
		ID:     uuid.NewString(),
		Name:   name,
		Args:   args,
		Kwargs: kwargs,
		Flags:  flags,
	}
}

// FaultBody is the structured description of a failure.
type FaultBody struct {
	Kind      fault.Kind `json:"kind"`
	Args      []any      `json:"args"`
	Message   string     `json:"message,omitempty"`
	Traceback string     `json:"traceback,omitempty"`
}

// Result is the result envelope: a success value, the announcement of a raw
// stream, or a fault. Exactly one branch is populated.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Value   json.RawMessage `json:"value,omitempty"`
	Stream  bool            `json:"stream,omitempty"`
	Fault   *FaultBody      `json:"fault,omitempty"`
}

// Validate checks the tagged-union invariant.
func (r *Result) Validate() error {
	switch r.Outcome {
	case OutcomeSuccess:
		if r.Fault != nil {
			return fault.Errorf(fault.MalformedRequest, "success result carries a fault")
		}
		if r.Stream && len(r.Value) > 0 {
			return fault.Errorf(fault.MalformedRequest, "stream result carries a value")
		}
	case OutcomeFault:
		if r.Fault == nil || r.Fault.Kind == "" {
			return fault.Errorf(fault.MalformedRequest, "fault result without fault kind")
		}
		if len(r.Value) > 0 || r.Stream {
			return fault.Errorf(fault.MalformedRequest, "fault result carries a value")
		}
	default:
		return fault.Errorf(fault.MalformedRequest, "unknown outcome %q", r.Outcome)
	}
	return nil
}

// Err returns the reconstructed fault of a fault result, or nil.
func (r *Result) Err() error {
	if r.Outcome != OutcomeFault || r.Fault == nil {
		return nil
	}
	return fault.Reconstruct(r.Fault.Kind, r.Fault.Args, r.Fault.Message, r.Fault.Traceback)
}

// EncodeRequest serialises req. Requests larger than MaxRequestSize are
// refused so they never reach the daemon.
func EncodeRequest(req *Request) ([]byte, error) {
	if req == nil || req.Name == "" {
		return nil, fault.Errorf(fault.MalformedRequest, "request without operation name")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, fmt.Sprintf("arguments are not JSON-representable: %v", err))
	}
	if len(data) > MaxRequestSize {
		return nil, fault.Errorf(fault.MalformedRequest, "request of %d bytes exceeds limit of %d", len(data), MaxRequestSize)
	}
	return data, nil
}

// ReadRequest reads one request from r up to EOF. At most MaxRequestSize+1
// bytes are consumed; a larger request is refused before any parsing.
func ReadRequest(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxRequestSize+1))
	if err != nil {
		return nil, fault.Wrap(fault.MalformedRequest, err, fmt.Sprintf("reading request: %v", err))
	}
	if len(data) > MaxRequestSize {
		return nil, fault.Errorf(fault.MalformedRequest, "request exceeds limit of %d bytes", MaxRequestSize)
	}
	return data, nil
}

// DecodeRequest parses a request. It fails with MalformedRequest for
// oversized input, invalid UTF-8, invalid JSON or a missing name.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) > MaxRequestSize {
		return nil, fault.Errorf(fault.MalformedRequest, "request exceeds limit of %d bytes", MaxRequestSize)
	}
	if !utf8.Valid(data) {
		return nil, fault.Errorf(fault.MalformedRequest, "request is not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fault.Wrap(fault.MalformedRequest, err, fmt.Sprintf("request is not valid JSON: %v", err))
	}
	if dec.More() {
		return nil, fault.Errorf(fault.MalformedRequest, "trailing data after request")
	}
	if req.Name == "" {
		return nil, fault.Errorf(fault.MalformedRequest, "request without operation name")
	}
	if req.Args == nil {
		req.Args = []any{}
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]any{}
	}
	return &req, nil
}

// EncodeSuccess serialises a success value. A value that cannot be encoded
// turns into an OperationFailure fault envelope.
func EncodeSuccess(value any) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		return EncodeFault(fault.Errorf(fault.OperationFailure, "result is not JSON-representable: %v", err))
	}
	data, err := json.Marshal(Result{Outcome: OutcomeSuccess, Value: raw})
	if err != nil {
		return EncodeFault(err)
	}
	return data
}

// EncodeStreamHeader is the control document written before a raw stream.
// It ends in a newline; the stream bytes follow immediately.
func EncodeStreamHeader() []byte {
	return []byte(`{"outcome":"success","stream":true}` + "\n")
}

var genericFault = []byte(`{"outcome":"fault","fault":{"kind":"OperationFailure","args":["unknown internal error"],"message":"unknown internal error"}}`)

// EncodeFault serialises err as a fault envelope. It never fails: when the
// fault cannot be encoded, a generic envelope is returned instead.
func EncodeFault(err error) []byte {
	f := fault.FromError(err)
	if f == nil {
		f = fault.New(fault.OperationFailure, "unknown internal error")
	}
	args := f.Args
	if args == nil {
		args = []any{}
	}
	data, merr := json.Marshal(Result{
		Outcome: OutcomeFault,
		Fault: &FaultBody{
			Kind:      f.Kind,
			Args:      args,
			Message:   f.Message,
			Traceback: f.Traceback,
		},
	})
	if merr != nil {
		return append([]byte(nil), genericFault...)
	}
	return data
}

// DecodeResult reads one result from r. For a stream result, the returned
// reader yields the raw bytes following the control document; otherwise it
// is nil.
func DecodeResult(r io.Reader) (*Result, io.Reader, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxResultSize))
	first, err := br.Peek(1)
	if err != nil || len(first) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	dec := json.NewDecoder(br)
	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, nil, fault.Wrap(fault.MalformedRequest, err, fmt.Sprintf("invalid result envelope: %v", err))
	}
	if err := res.Validate(); err != nil {
		return nil, nil, err
	}
	if !res.Stream {
		return &res, nil, nil
	}

	// The limit applies to the JSON envelope only; the stream continues on
	// the underlying reader.
	rest := io.MultiReader(dec.Buffered(), br, r)
	skipNewline := bufio.NewReader(rest)
	if b, err := skipNewline.Peek(1); err == nil && b[0] == '\n' {
		_, _ = skipNewline.Discard(1)
	}
	return &res, skipNewline, nil
}
