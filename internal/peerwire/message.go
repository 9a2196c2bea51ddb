package peerwire

// MessageID enumerates the peer wire protocol's message types.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// Message is a decoded frame: an id plus whatever payload bytes followed
// it. A zero-length frame (keep-alive) decodes to Message{KeepAlive: true}.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// RequestPayload is the shared shape of request/cancel payloads.
type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// PiecePayload is a piece message's payload: the block itself plus its
// addressing.
type PiecePayload struct {
	Index uint32
	Begin uint32
	Block []byte
}
