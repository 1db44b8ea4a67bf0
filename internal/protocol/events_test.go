package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJoin(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"join","data":{"roomId":" R1 ","name":"Alice","color":"#FF3B30"}}`))
	require.NoError(t, err)

	join, ok := ev.(Join)
	require.True(t, ok)
	assert.Equal(t, "R1", join.RoomID)
	assert.Equal(t, "Alice", join.Name)
	assert.Equal(t, "#FF3B30", join.Color)
}

func TestDecodeJoinRequiresIdentity(t *testing.T) {
	for _, raw := range []string{
		`{"type":"join","data":{"name":"Alice"}}`,
		`{"type":"join","data":{"roomId":"R1","name":"   "}}`,
		`{"type":"join"}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidEvent, raw)
	}
}

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"toggle_lock","data":{}}`, ToggleLock{}},
		{`{"type":"toggle_lock"}`, ToggleLock{}},
		{`{"type":"cursor_update","data":{"lineNumber":3,"column":14}}`, CursorUpdate{LineNumber: 3, Column: 14}},
		{`{"type":"send_message","data":{"text":"hi","timestamp":1700000000000}}`, SendMessage{Text: "hi", Timestamp: 1700000000000}},
		{`{"type":"language_change","data":{"language":"python"}}`, LanguageChange{Language: "python"}},
		{`{"type":"ping","data":{"sentAt":5}}`, Ping{SentAt: 5}},
	}

	for _, tt := range tests {
		got, err := DecodeEvent([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want.Type(), got.Type())
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"send_message","data":{"text":"  "}}`,
		`{"type":"cursor_update","data":{"lineNumber":-1,"column":0}}`,
		`{"type":"cursor_update","data":{"lineNumber":"one"}}`,
		`{"type":"language_change","data":{}}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidEvent, raw)
	}
}

func TestDecodeSeparatesMalformedFromInvalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"cursor_update","data":{"lineNumber":"one"}}`,
		`{"type":"join","data":[1,2]}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
		assert.ErrorIs(t, err, ErrInvalidEvent, raw)
	}

	_, err := DecodeEvent([]byte(`{"type":"language_change","data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.NotErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"code_change","data":{"code":"x"}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestEncodeEvent(t *testing.T) {
	raw, err := EncodeEvent(EventLockChanged, LockChanged{IsLocked: true, By: "Alice"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventLockChanged, env.Type)
	assert.JSONEq(t, `{"isLocked":true,"by":"Alice"}`, string(env.Data))
}
