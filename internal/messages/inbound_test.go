package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGameID(t *testing.T) {
	id, err := ParseGameID(json.RawMessage(`"g1"`))
	require.NoError(t, err)
	assert.Equal(t, "g1", id)

	id, err = ParseGameID(json.RawMessage(`{"gameId":" g2 "}`))
	require.NoError(t, err)
	assert.Equal(t, "g2", id)

	id, err = ParseGameID(nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = ParseGameID(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestInboundMessageDecoding(t *testing.T) {
	var msg InboundMessage
	raw := `{"event":"make-move","payload":{"gameId":"g1","from":"e2","to":"e4","piece":"P"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, EventMakeMove, msg.Event)

	var mv MakeMovePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &mv))
	assert.Equal(t, MakeMovePayload{GameID: "g1", From: "e2", To: "e4", Piece: "P"}, mv)
}
