package presence

import (
	"encoding/json"
	"fmt"

	"github.com/manpreetbhatti/synccode/backend/internal/protocol"
)

// The awareness state encoding for a removed client
var nullState = json.RawMessage("null")

// AwarenessClient is one entry of an awareness update.
type AwarenessClient struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

func (c AwarenessClient) Removed() bool {
	return len(c.State) == 0 || string(c.State) == "null"
}

// Decodes an awareness update: varuint count, then per client
// varuint id, varuint clock, varstring JSON state.
func DecodeAwarenessUpdate(update []byte) ([]AwarenessClient, error) {
	r := protocol.NewReader(update)
	n, err := r.Uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: awareness count: %v", protocol.ErrMalformedFrame, err)
	}
	// each entry takes at least three bytes
	if n > uint64(r.Remaining()/3) {
		return nil, fmt.Errorf("%w: awareness count %d too large", protocol.ErrMalformedFrame, n)
	}

	clients := make([]AwarenessClient, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.Uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness client id: %v", protocol.ErrMalformedFrame, err)
		}
		clock, err := r.Uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness clock: %v", protocol.ErrMalformedFrame, err)
		}
		state, err := r.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness state: %v", protocol.ErrMalformedFrame, err)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: awareness state is not JSON", protocol.ErrMalformedFrame)
		}
		clients = append(clients, AwarenessClient{
			ClientID: id,
			Clock:    clock,
			State:    append(json.RawMessage(nil), state...),
		})
	}
	return clients, nil
}

func EncodeAwarenessUpdate(clients []AwarenessClient) []byte {
	w := protocol.NewWriter(16 * (len(clients) + 1))
	w.WriteUvarint(uint64(len(clients)))
	for _, c := range clients {
		state := c.State
		if len(state) == 0 {
			state = nullState
		}
		w.WriteUvarint(c.ClientID)
		w.WriteUvarint(c.Clock)
		w.WriteString(string(state))
	}
	return w.Bytes()
}

// Pulls a display identity out of a y-monaco style awareness state:
// {"user": {"username" | "name": ..., "color": ...}}
func identityFromState(state json.RawMessage) (name, color string) {
	var s struct {
		User struct {
			Username string `json:"username"`
			Name     string `json:"name"`
			Color    string `json:"color"`
		} `json:"user"`
	}
	if err := json.Unmarshal(state, &s); err != nil {
		return "", ""
	}
	name = s.User.Username
	if name == "" {
		name = s.User.Name
	}
	return name, s.User.Color
}
