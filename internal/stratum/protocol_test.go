package stratum

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/jsonx"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "subscribe with id in params",
			data: []byte(`{"method":"mining.subscribe","params":[1,"alice"]}`),
			want: &Message{
				Method: "mining.subscribe",
				Params: []any{float64(1), "alice"},
			},
		},
		{
			name: "response with null error",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
		},
		{
			name: "response with string error",
			data: []byte(`{"id":2,"result":false,"error":"Unauthorized"}`),
			want: &Message{
				ID:     float64(2),
				Result: false,
				Error:  "Unauthorized",
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeMalformed) {
					t.Errorf("error type = %v, want malformed", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseMessage_StructuredError(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":3,"result":null,"error":[21,"Job not found",null]}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Error != `[21,"Job not found",null]` {
		t.Errorf("Error = %q", msg.Error)
	}
}

func TestMarshalMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want map[string]any
	}{
		{
			name: "response",
			msg:  NewResponse(float64(7), true),
			want: map[string]any{"id": float64(7), "result": true, "error": nil},
		},
		{
			name: "error response",
			msg:  NewErrorResponse(float64(8), "Invalid username or password"),
			want: map[string]any{"id": float64(8), "result": false, "error": "Invalid username or password"},
		},
		{
			name: "notify omits id",
			msg:  NewNotify("job1", "abcd", "00000001", true),
			want: map[string]any{
				"method": "mining.notify",
				"params": []any{"job1", "abcd", "00000001", true},
			},
		},
		{
			name: "set difficulty keeps null slot",
			msg:  NewSetDifficulty(2.5),
			want: map[string]any{
				"method": "mining.set_difficulty",
				"params": []any{nil, 2.5},
			},
		},
		{
			name: "nil params render as empty list",
			msg:  NewNotification("mining.ping", nil),
			want: map[string]any{"method": "mining.ping", "params": []any{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalMessage(tt.msg)
			if err != nil {
				t.Fatalf("MarshalMessage() error = %v", err)
			}
			var got map[string]any
			if err := jsonx.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MarshalMessage() = %s, want %v", data, tt.want)
			}
		})
	}
}

func TestMessage_RequestID(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want any
		args int
	}{
		{"id in params", &Message{Method: MethodSubmit, Params: []any{float64(4), "j", "00", "00"}}, float64(4), 3},
		{"fallback to top-level id", &Message{ID: "x", Method: MethodSubscribe}, "x", 0},
		{"only id", &Message{Method: MethodAuthorize, Params: []any{float64(9)}}, float64(9), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.RequestID(); got != tt.want {
				t.Errorf("RequestID() = %v, want %v", got, tt.want)
			}
			if got := len(tt.msg.Args()); got != tt.args {
				t.Errorf("len(Args()) = %d, want %d", got, tt.args)
			}
		})
	}
}

func TestNewSubscribeResponse(t *testing.T) {
	msg := NewSubscribeResponse(float64(1), "MySoloKaspaPool", "deadbeef", "00000002", 4)
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}
	want := `"result":[["mining.MySoloKaspaPool","deadbeef"],"00000002",4]`
	if !strings.Contains(string(data), want) {
		t.Errorf("subscribe response = %s, want it to contain %s", data, want)
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	tests := []struct {
		name   string
		params []any
		want   string
	}{
		{"hint given", []any{float64(1), "alice"}, "alice"},
		{"no hint", []any{float64(1)}, DefaultUser},
		{"empty hint", []any{float64(1), ""}, DefaultUser},
		{"non-string hint", []any{float64(1), float64(5)}, DefaultUser},
		{"no params", nil, DefaultUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSubscribeRequest(&Message{Method: MethodSubscribe, Params: tt.params})
			if got.UserHint != tt.want {
				t.Errorf("UserHint = %q, want %q", got.UserHint, tt.want)
			}
		})
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name   string
		params []any
		want   AuthorizeRequest
	}{
		{"valid", []any{float64(1), "user", "pass"}, AuthorizeRequest{Username: "user", Password: "pass"}},
		{"missing password", []any{float64(1), "user"}, AuthorizeRequest{Username: "user"}},
		{"non-string username", []any{float64(1), float64(123), "pass"}, AuthorizeRequest{Password: "pass"}},
		{"empty", []any{float64(1)}, AuthorizeRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAuthorizeRequest(&Message{Method: MethodAuthorize, Params: tt.params})
			if *got != tt.want {
				t.Errorf("ParseAuthorizeRequest() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid",
			params: []any{float64(1), "job1", "abcd", "0102030405060708"},
			want:   &SubmitRequest{JobID: "job1", ExtraNonce2: "abcd", Nonce: "0102030405060708"},
		},
		{
			name:    "insufficient parameters",
			params:  []any{float64(1), "job1"},
			wantErr: true,
		},
		{
			name:    "invalid parameter type",
			params:  []any{float64(1), "job1", float64(3), "00"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(&Message{Method: MethodSubmit, Params: tt.params})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeMalformed) {
					t.Errorf("error type = %v, want malformed", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSetDifficultyRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    float64
		wantErr bool
	}{
		{"number", []any{float64(1), 4.0}, 4, false},
		{"numeric string", []any{float64(1), "2.5"}, 2.5, false},
		{"garbage string", []any{float64(1), "fast"}, 0, true},
		{"missing", []any{float64(1)}, 0, true},
		{"wrong type", []any{float64(1), true}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSetDifficultyRequest(&Message{Method: MethodSetDifficulty, Params: tt.params})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSetDifficultyRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Difficulty != tt.want {
				t.Errorf("Difficulty = %v, want %v", got.Difficulty, tt.want)
			}
		})
	}
}
