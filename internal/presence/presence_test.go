package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/synccode/backend/internal/protocol"
)

func awarenessUpdate(clients ...AwarenessClient) []byte {
	return EncodeAwarenessUpdate(clients)
}

func TestDecodeAwarenessRoundTrip(t *testing.T) {
	in := []AwarenessClient{
		{ClientID: 42, Clock: 3, State: json.RawMessage(`{"user":{"username":"Alice","color":"#FF3B30"}}`)},
		{ClientID: 7, Clock: 1, State: json.RawMessage(`null`)},
	}

	out, err := DecodeAwarenessUpdate(EncodeAwarenessUpdate(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out[0].Removed())
	assert.True(t, out[1].Removed())
}

func TestDecodeAwarenessRejectsGarbage(t *testing.T) {
	for _, update := range [][]byte{
		{},
		{5, 1},
		{1, 1, 1, 3, 'a', 'b', 'c'},
	} {
		_, err := DecodeAwarenessUpdate(update)
		assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
	}
}

func TestApplyAwarenessOverwrites(t *testing.T) {
	table := NewTable()

	_, err := table.ApplyAwareness("conn-1", awarenessUpdate(AwarenessClient{
		ClientID: 42, Clock: 1, State: json.RawMessage(`{"user":{"username":"Alice","color":"#FF3B30"},"cursor":{"anchor":1}}`),
	}))
	require.NoError(t, err)

	entry, err := table.ApplyAwareness("conn-1", awarenessUpdate(AwarenessClient{
		ClientID: 42, Clock: 2, State: json.RawMessage(`{"user":{"username":"Alice","color":"#FF3B30"},"cursor":{"anchor":9}}`),
	}))
	require.NoError(t, err)

	assert.Equal(t, "Alice", entry.Name)
	assert.Equal(t, "#FF3B30", entry.Color)
	require.Len(t, entry.Awareness, 1)
	assert.Equal(t, uint64(2), entry.Awareness[42].Clock)
	assert.JSONEq(t, `{"user":{"username":"Alice","color":"#FF3B30"},"cursor":{"anchor":9}}`, string(entry.Awareness[42].State))
}

func TestApplyAwarenessMalformedLeavesTableUntouched(t *testing.T) {
	table := NewTable()
	_, err := table.ApplyAwareness("conn-1", []byte{9})
	assert.Error(t, err)
	assert.Zero(t, table.Len())
}

func TestSetCursor(t *testing.T) {
	table := NewTable()

	table.SetCursor("conn-1", "Bob", "#4CD964", Cursor{LineNumber: 1, Column: 1})
	entry := table.SetCursor("conn-1", "Bob", "#4CD964", Cursor{LineNumber: 5, Column: 2})

	require.NotNil(t, entry.Cursor)
	assert.Equal(t, Cursor{LineNumber: 5, Column: 2}, *entry.Cursor)
	assert.Equal(t, 1, table.Len())
	assert.False(t, entry.UpdatedAt.IsZero())
}

func TestRemoveHappensOnce(t *testing.T) {
	table := NewTable()
	table.SetCursor("conn-1", "Bob", "#4CD964", Cursor{})

	_, ok := table.Remove("conn-1")
	assert.True(t, ok)
	_, ok = table.Remove("conn-1")
	assert.False(t, ok)

	_, ok = table.Get("conn-1")
	assert.False(t, ok)
}

func TestEntriesAreCopies(t *testing.T) {
	table := NewTable()
	entry := table.SetCursor("conn-1", "Bob", "", Cursor{LineNumber: 1})
	entry.Cursor.LineNumber = 99

	stored, ok := table.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, 1, stored.Cursor.LineNumber)
}

func TestEncodeAwarenessSkipsRemovedStates(t *testing.T) {
	table := NewTable()

	_, ok := table.EncodeAwareness()
	assert.False(t, ok)

	_, err := table.ApplyAwareness("a", awarenessUpdate(AwarenessClient{ClientID: 2, Clock: 1, State: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, err)
	_, err = table.ApplyAwareness("b", awarenessUpdate(AwarenessClient{ClientID: 1, Clock: 4, State: json.RawMessage(`null`)}))
	require.NoError(t, err)

	encoded, ok := table.EncodeAwareness()
	require.True(t, ok)

	clients, err := DecodeAwarenessUpdate(encoded)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, uint64(2), clients[0].ClientID)
}

func TestRemovalUpdateBumpsClocks(t *testing.T) {
	table := NewTable()
	_, err := table.ApplyAwareness("a", awarenessUpdate(
		AwarenessClient{ClientID: 10, Clock: 3, State: json.RawMessage(`{}`)},
		AwarenessClient{ClientID: 11, Clock: 0, State: json.RawMessage(`{}`)},
	))
	require.NoError(t, err)

	entry, ok := table.Remove("a")
	require.True(t, ok)

	clients, err := DecodeAwarenessUpdate(RemovalUpdate(entry))
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, AwarenessClient{ClientID: 10, Clock: 4, State: json.RawMessage(`null`)}, clients[0])
	assert.Equal(t, AwarenessClient{ClientID: 11, Clock: 1, State: json.RawMessage(`null`)}, clients[1])

	assert.Nil(t, RemovalUpdate(Entry{ConnectionID: "cursor-only"}))
}
