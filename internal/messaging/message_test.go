package messaging

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"heartbeat", `{"type":"heartbeat"}`, false},
		{"join", `{"type":"join","channel":"org:acme"}`, false},
		{"join without channel", `{"type":"join"}`, true},
		{"leave", `{"type":"leave","channel":"org:acme","id":"7"}`, false},
		{"direct send", `{"type":"send","to":"u2","data":{"text":"hi"}}`, false},
		{"broadcast send", `{"type":"send","channel":"org:acme","data":"hi"}`, false},
		{"send to both", `{"type":"send","to":"u2","channel":"org:acme","data":1}`, true},
		{"send to nobody", `{"type":"send","data":1}`, true},
		{"send without data", `{"type":"send","to":"u2"}`, true},
		{"unknown type", `{"type":"replay"}`, true},
		{"not json", `hello`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadFrame)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, f.Type)
		})
	}
}

func TestEnvelopeSerialize(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	b, err := NewMessage("u1", "org:acme", json.RawMessage(`{"text":"hi"}`), at).Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","from":"u1","channel":"org:acme","ts":1700000000123,"data":{"text":"hi"}}`, string(b))

	b, err = NewError("9", CodeForbidden, "nope").Serialize()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "9", decoded["ref"])
	assert.Equal(t, "forbidden", decoded["code"])
	assert.NotContains(t, decoded, "data")
}
