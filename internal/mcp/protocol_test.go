// ABOUTME: Tests for JSON-RPC wire types and inbound id normalization.
// ABOUTME: Pins the handshake envelope shape servers depend on.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParseRequestID(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantID int64
		wantOK bool
	}{
		{name: "plain number", raw: `7`, wantID: 7, wantOK: true},
		{name: "quoted number", raw: `"7"`, wantID: 7, wantOK: true},
		{name: "number with whitespace", raw: ` 12 `, wantID: 12, wantOK: true},
		{name: "null id", raw: `null`, wantOK: false},
		{name: "empty", raw: ``, wantOK: false},
		{name: "non numeric string", raw: `"abc"`, wantOK: false},
		{name: "fractional number", raw: `3.5`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := parseRequestID(json.RawMessage(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("parseRequestID(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && id != tt.wantID {
				t.Errorf("parseRequestID(%q) = %d, want %d", tt.raw, id, tt.wantID)
			}
		})
	}
}

func TestRPCError(t *testing.T) {
	t.Run("formats code and message", func(t *testing.T) {
		err := &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
		want := "mcp error -32601: method not found"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("survives wrapping", func(t *testing.T) {
		rpcErr := &RPCError{Code: CodeInvalidParams, Message: "bad arguments"}
		wrapped := fmt.Errorf("calling tool: %w", rpcErr)

		var got *RPCError
		if !errors.As(wrapped, &got) {
			t.Fatalf("errors.As failed on %v", wrapped)
		}
		if got.Code != CodeInvalidParams {
			t.Errorf("unwrapped code = %d, want %d", got.Code, CodeInvalidParams)
		}
	})
}

func TestInitializeParamsShape(t *testing.T) {
	params := InitializeParams{
		ProtocolVersion: DefaultProtocolVersion,
		ClientInfo:      ClientInfo{Name: "toolhost", Version: "0.1.0"},
	}

	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to decode params: %v", err)
	}

	// Servers expect the empty tools object, not a missing capabilities key.
	caps, ok := decoded["capabilities"].(map[string]any)
	if !ok {
		t.Fatalf("capabilities missing from %s", data)
	}
	if _, ok := caps["tools"]; !ok {
		t.Errorf("capabilities.tools missing from %s", data)
	}
	if decoded["protocolVersion"] != DefaultProtocolVersion {
		t.Errorf("protocolVersion = %v, want %s", decoded["protocolVersion"], DefaultProtocolVersion)
	}
}
