package wire

import (
	"encoding/json"
	"testing"

	"github.com/m4xw311/agentbridge/errors"
)

// TestDecodeErrorKinds separates framing corruption from structurally
// invalid messages; only the latter carries ErrInvalidMessage.
func TestDecodeErrorKinds(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantInvalid bool
	}{
		{name: "truncated json", raw: `{broken`, wantInvalid: false},
		{name: "valid json array", raw: `[1,2,3]`, wantInvalid: true},
		{name: "bare string", raw: `"hello"`, wantInvalid: true},
		{name: "no method no id", raw: `{"jsonrpc":"2.0"}`, wantInvalid: true},
		{name: "non-string method", raw: `{"jsonrpc":"2.0","id":1,"method":42}`, wantInvalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatalf("Decode(%s) expected error", tt.raw)
			}
			if got := errors.Is(err, ErrInvalidMessage); got != tt.wantInvalid {
				t.Errorf("Decode(%s) invalid-message = %v, want %v", tt.raw, got, tt.wantInvalid)
			}
		})
	}
}

// TestDecodeClassification verifies request/notification/response routing
func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReq    bool
		wantNotif  bool
		wantResp   bool
		wantMethod string
		wantErr    bool
	}{
		{
			name:       "request with id",
			raw:        `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			wantReq:    true,
			wantMethod: "initialize",
		},
		{
			name:       "notification without id",
			raw:        `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"sess_1"}}`,
			wantReq:    true,
			wantNotif:  true,
			wantMethod: "session/cancel",
		},
		{
			name:     "response with result",
			raw:      `{"jsonrpc":"2.0","id":"cli_42","result":{"ok":true}}`,
			wantResp: true,
		},
		{
			name:     "response with error",
			raw:      `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Method not found"}}`,
			wantResp: true,
		},
		{
			name:    "malformed json",
			raw:     `{"jsonrpc":`,
			wantErr: true,
		},
		{
			name:    "empty method",
			raw:     `{"jsonrpc":"2.0","id":1,"method":""}`,
			wantErr: true,
		},
		{
			name:    "neither request nor response",
			raw:     `{"jsonrpc":"2.0"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, resp, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%s) expected error, got req=%+v resp=%+v", tt.raw, req, resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%s) unexpected error: %v", tt.raw, err)
			}
			if tt.wantReq {
				if req == nil {
					t.Fatalf("expected request, got none")
				}
				if req.Method != tt.wantMethod {
					t.Errorf("method = %q, want %q", req.Method, tt.wantMethod)
				}
				if req.IsNotification() != tt.wantNotif {
					t.Errorf("IsNotification() = %v, want %v", req.IsNotification(), tt.wantNotif)
				}
			}
			if tt.wantResp && resp == nil {
				t.Fatalf("expected response, got none")
			}
		})
	}
}

// TestDecodeParams verifies zero-value handling for absent params
func TestDecodeParams(t *testing.T) {
	type promptParams struct {
		SessionID string `json:"sessionId"`
	}

	t.Run("absent params decode to zero value", func(t *testing.T) {
		got, err := DecodeParams[promptParams](nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SessionID != "" {
			t.Errorf("expected zero value, got %+v", got)
		}
	})

	t.Run("null params decode to zero value", func(t *testing.T) {
		got, err := DecodeParams[promptParams](json.RawMessage("null"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SessionID != "" {
			t.Errorf("expected zero value, got %+v", got)
		}
	})

	t.Run("populated params", func(t *testing.T) {
		got, err := DecodeParams[promptParams](json.RawMessage(`{"sessionId":"sess_abc"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SessionID != "sess_abc" {
			t.Errorf("SessionID = %q, want sess_abc", got.SessionID)
		}
	})

	t.Run("type mismatch is an error", func(t *testing.T) {
		if _, err := DecodeParams[promptParams](json.RawMessage(`[1,2]`)); err == nil {
			t.Fatalf("expected error for array params")
		}
	})
}

// TestRecoverID verifies id recovery from partially valid messages
func TestRecoverID(t *testing.T) {
	if id := RecoverID([]byte(`{"id":5,"method":123}`)); id == nil {
		t.Errorf("expected id 5 recovered, got nil")
	}
	if id := RecoverID([]byte(`not json at all`)); id != nil {
		t.Errorf("expected nil for unparseable message, got %v", id)
	}
}

// TestRequestOmitsEmptyFields verifies the wire shape of built messages
func TestRequestOmitsEmptyFields(t *testing.T) {
	notif, err := NewNotification("session/update", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification must not carry an id: %s", data)
	}
	if _, ok := m["params"]; ok {
		t.Errorf("nil params must be omitted: %s", data)
	}
}
