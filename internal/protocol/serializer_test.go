package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_EnvelopeRouting(t *testing.T) {
	ms, err := NewMessageSerializer(0)
	require.NoError(t, err)
	defer ms.Close()

	input := &InputMessage{Sequence: 7, Timestamp: 1000, MoveX: 1, MoveY: 0, Boost: true}

	data, err := ms.SerializeMessage(MsgInput, "player-1", "room-a", input)
	require.NoError(t, err)

	msg, err := ms.DeserializeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MsgInput, msg.Type)
	assert.Equal(t, "player-1", msg.SenderID)
	assert.Equal(t, "room-a", msg.RoomID)

	var decoded InputMessage
	require.NoError(t, ms.DeserializePayload(msg, &decoded))
	assert.Equal(t, uint32(7), decoded.Sequence)
	assert.True(t, decoded.Boost)
}

func TestSerializer_CompressesLargePayloads(t *testing.T) {
	ms, err := NewMessageSerializer(64)
	require.NoError(t, err)
	defer ms.Close()

	presence := &PresenceMessage{
		EntityID: "player-1",
		RoomID:   "room-a",
		Action:   PresenceJoin,
		Metadata: map[string]string{"nick": strings.Repeat("я", 300)},
	}

	data, err := ms.SerializeMessage(MsgPresence, "player-1", "room-a", presence)
	require.NoError(t, err)

	msg, err := ms.DeserializeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, msg.Compression)

	var decoded PresenceMessage
	require.NoError(t, ms.DeserializePayload(msg, &decoded))
	assert.Equal(t, presence.Metadata["nick"], decoded.Metadata["nick"])
}
