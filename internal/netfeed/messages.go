package netfeed

import (
	"github.com/vmihailenco/msgpack/v5"

	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/state"
)

// InputBatch is the only client to server frame: the client's whole pending
// input queue, oldest first.
type InputBatch struct {
	Inputs []physics.Input `msgpack:"inputs"`
}

// MessageType tags server to client frames.
type MessageType string

const (
	// MessageSnapshot carries every entity row, sent once after connecting.
	MessageSnapshot MessageType = "snapshot"
	// MessageFrame carries the rows changed by one tick.
	MessageFrame MessageType = "frame"
	// MessageAck answers one input batch.
	MessageAck MessageType = "ack"
)

// EntityFrame lists entity rows written or deleted as of Sequence, the newest
// completed tick.
type EntityFrame struct {
	Sequence uint64           `msgpack:"sequence"`
	Updated  []physics.Entity `msgpack:"updated"`
	Removed  []uint32         `msgpack:"removed,omitempty"`
}

// InputAck reports how a batch was admitted and the client's current lead.
type InputAck struct {
	Accepted       int    `msgpack:"accepted"`
	Dropped        int    `msgpack:"dropped"`
	Offset         int8   `msgpack:"offset"`
	ServerSequence uint64 `msgpack:"server_sequence"`
}

// ServerMessage is the server to client envelope.
type ServerMessage struct {
	Type     MessageType  `msgpack:"type"`
	EntityID uint32       `msgpack:"entity_id,omitempty"`
	Frame    *EntityFrame `msgpack:"frame,omitempty"`
	Ack      *InputAck    `msgpack:"ack,omitempty"`
}

func frameFromDiff(diff state.TickDiff) *EntityFrame {
	return &EntityFrame{Sequence: diff.Sequence, Updated: diff.Entities.Updated, Removed: diff.Entities.Removed}
}

func encode(msg ServerMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// DecodeServerMessage parses one server frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}

// EncodeInputBatch serialises a batch for sending.
func EncodeInputBatch(batch InputBatch) ([]byte, error) {
	return msgpack.Marshal(batch)
}
