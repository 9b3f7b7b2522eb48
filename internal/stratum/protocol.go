package stratum

import (
	"fmt"
	"strconv"

	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/jsonx"
)

// Stratum method names
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodNotify        = "mining.notify"
)

// DefaultUser is assigned when mining.subscribe carries no user hint
const DefaultUser = "solo"

// Message is one line of the wire protocol. A message with a Method is a
// request or notification; otherwise it is a response.
//
// Inbound requests carry their id as the first element of Params.
type Message struct {
	ID     any
	Method string
	Params []any
	Result any
	// Error is rendered as null when empty
	Error string
}

type requestFrame struct {
	ID     any    `json:"id,omitempty"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type responseFrame struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

type inboundFrame struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	Result any    `json:"result"`
	Error  any    `json:"error"`
}

func init() {
	jsonx.Pretouch(requestFrame{}, responseFrame{}, inboundFrame{})
}

// MarshalJSON renders requests as {method, params} and responses as
// {id, result, error}
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Method != "" {
		params := m.Params
		if params == nil {
			params = []any{}
		}
		return jsonx.Marshal(requestFrame{ID: m.ID, Method: m.Method, Params: params})
	}

	var errField any
	if m.Error != "" {
		errField = m.Error
	}
	return jsonx.Marshal(responseFrame{ID: m.ID, Result: m.Result, Error: errField})
}

// UnmarshalJSON accepts either frame shape. A structured error object is
// kept in its JSON form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw inboundFrame
	if err := jsonx.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.Method = raw.Method
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = ""

	switch e := raw.Error.(type) {
	case nil:
	case string:
		m.Error = e
	default:
		b, err := jsonx.Marshal(e)
		if err != nil {
			return err
		}
		m.Error = string(b)
	}
	return nil
}

// ParseMessage parses one protocol line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "parse_message", "invalid JSON")
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := jsonx.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// RequestID returns the request id, carried in params[0]. Frames without
// params fall back to the top-level id.
func (m *Message) RequestID() any {
	if len(m.Params) > 0 {
		return m.Params[0]
	}
	return m.ID
}

// Args returns the request arguments following the id
func (m *Message) Args() []any {
	if len(m.Params) < 2 {
		return nil
	}
	return m.Params[1:]
}

// IsRequest returns true if the message names a method
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse creates a {result:false, error:message} response
func NewErrorResponse(id any, message string) *Message {
	return &Message{ID: id, Result: false, Error: message}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{Method: method, Params: params}
}

// NewSubscribeResponse builds the mining.subscribe result
// [["mining.<pool>", subscriptionId], extraNonceHex, extraNonceSize]
func NewSubscribeResponse(id any, poolName, subscriptionID, extraNonceHex string, extraNonceSize int) *Message {
	return NewResponse(id, []any{
		[]any{"mining." + poolName, subscriptionID},
		extraNonceHex,
		extraNonceSize,
	})
}

// NewNotify builds a mining.notify for one job
func NewNotify(jobID, headerHex, extraNonceHex string, cleanJobs bool) *Message {
	return NewNotification(MethodNotify, []any{jobID, headerHex, extraNonceHex, cleanJobs})
}

// NewSetDifficulty builds the difficulty broadcast. The leading null stands
// in for the request id slot.
func NewSetDifficulty(difficulty float64) *Message {
	return NewNotification(MethodSetDifficulty, []any{nil, difficulty})
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserHint string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	JobID       string
	ExtraNonce2 string
	Nonce       string
}

// SetDifficultyRequest represents an inbound mining.set_difficulty
type SetDifficultyRequest struct {
	Difficulty float64
}

// ParseSubscribeRequest parses mining.subscribe arguments
func ParseSubscribeRequest(msg *Message) *SubscribeRequest {
	args := msg.Args()
	req := &SubscribeRequest{UserHint: DefaultUser}
	if len(args) > 0 {
		if hint, ok := args[0].(string); ok && hint != "" {
			req.UserHint = hint
		}
	}
	return req
}

// ParseAuthorizeRequest parses mining.authorize arguments. Missing or
// non-string fields come back empty and fail authorization downstream.
func ParseAuthorizeRequest(msg *Message) *AuthorizeRequest {
	args := msg.Args()
	req := &AuthorizeRequest{}
	if len(args) > 0 {
		req.Username, _ = args[0].(string)
	}
	if len(args) > 1 {
		req.Password, _ = args[1].(string)
	}
	return req
}

// ParseSubmitRequest parses mining.submit arguments
func ParseSubmitRequest(msg *Message) (*SubmitRequest, error) {
	args := msg.Args()
	if len(args) < 3 {
		return nil, errors.New(errors.ErrorTypeMalformed, "parse_submit", "insufficient parameters").
			WithContext("count", len(args))
	}

	fields := make([]string, 3)
	names := []string{"job_id", "extranonce2", "nonce"}
	for i := range fields {
		s, ok := args[i].(string)
		if !ok {
			return nil, errors.New(errors.ErrorTypeMalformed, "parse_submit", names[i]+" must be string")
		}
		fields[i] = s
	}

	return &SubmitRequest{
		JobID:       fields[0],
		ExtraNonce2: fields[1],
		Nonce:       fields[2],
	}, nil
}

// ParseSetDifficultyRequest parses an inbound mining.set_difficulty
func ParseSetDifficultyRequest(msg *Message) (*SetDifficultyRequest, error) {
	args := msg.Args()
	if len(args) < 1 {
		return nil, errors.New(errors.ErrorTypeMalformed, "parse_set_difficulty", "insufficient parameters")
	}

	switch v := args[0].(type) {
	case float64:
		return &SetDifficultyRequest{Difficulty: v}, nil
	case string:
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "parse_set_difficulty", "difficulty is not a number")
		}
		return &SetDifficultyRequest{Difficulty: d}, nil
	default:
		return nil, errors.New(errors.ErrorTypeMalformed, "parse_set_difficulty", "difficulty is not a number")
	}
}
