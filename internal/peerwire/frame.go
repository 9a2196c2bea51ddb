package peerwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the framer's default cap, per spec.md §4.6: it
// must exceed piece_size+13 so a full `piece` message always fits.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

// Reader reads length-prefixed peer wire frames off a stream, retrying
// short reads until `length` bytes are available (spec.md §4.6's framer
// contract).
type Reader struct {
	r           *bufio.Reader
	maxFrameLen uint32
}

// NewReader wraps r with a default 1 MiB frame cap.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrameSize)
}

// NewReaderSize wraps r with an explicit frame cap; callers that know
// piece_length should pass max(DefaultMaxFrameSize, pieceLength+13).
func NewReaderSize(r io.Reader, maxFrameLen uint32) *Reader {
	return &Reader{r: bufio.NewReader(r), maxFrameLen: maxFrameLen}
}

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// reader's configured cap — a protocol violation per spec.md §7.
type ErrFrameTooLarge struct {
	Length uint32
	Max    uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("peerwire: frame length %d exceeds cap %d", e.Length, e.Max)
}

// ReadFrame reads one frame. It returns io.EOF unwrapped on a
// clean peer disconnect so callers can distinguish "peer hung up" from a
// genuine protocol violation.
func (fr *Reader) ReadFrame() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("peerwire: reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{KeepAlive: true}, nil
	}
	if length > fr.maxFrameLen {
		return nil, &ErrFrameTooLarge{Length: length, Max: fr.maxFrameLen}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("peerwire: reading frame payload: %w", err)
	}

	return &Message{ID: MessageID(payload[0]), Payload: payload[1:]}, nil
}

// Writer frames and writes peer wire protocol messages.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (fw *Writer) writeFrame(id MessageID, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := fw.w.Write(buf)
	return err
}

func (fw *Writer) WriteKeepAlive() error {
	_, err := fw.w.Write([]byte{0, 0, 0, 0})
	return err
}

func (fw *Writer) WriteChoke() error         { return fw.writeFrame(Choke, nil) }
func (fw *Writer) WriteUnchoke() error       { return fw.writeFrame(Unchoke, nil) }
func (fw *Writer) WriteInterested() error    { return fw.writeFrame(Interested, nil) }
func (fw *Writer) WriteNotInterested() error { return fw.writeFrame(NotInterested, nil) }

func (fw *Writer) WriteHave(index uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], index)
	return fw.writeFrame(Have, payload[:])
}

func (fw *Writer) WriteBitfield(bits []byte) error {
	return fw.writeFrame(Bitfield, bits)
}

func encodeRequestShape(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

func (fw *Writer) WriteRequest(index, begin, length uint32) error {
	return fw.writeFrame(Request, encodeRequestShape(index, begin, length))
}

func (fw *Writer) WriteCancel(index, begin, length uint32) error {
	return fw.writeFrame(Cancel, encodeRequestShape(index, begin, length))
}

func (fw *Writer) WritePiece(index, begin uint32, block []byte) error {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return fw.writeFrame(Piece, payload)
}

func (fw *Writer) WritePort(port uint16) error {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], port)
	return fw.writeFrame(Port, payload[:])
}

func (fw *Writer) WriteExtended(extID byte, payload []byte) error {
	full := make([]byte, 1+len(payload))
	full[0] = extID
	copy(full[1:], payload)
	return fw.writeFrame(Extended, full)
}

// ParseRequest decodes a request/cancel payload.
func ParseRequest(payload []byte) (RequestPayload, error) {
	if len(payload) != 12 {
		return RequestPayload{}, fmt.Errorf("peerwire: request payload length %d, want 12", len(payload))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// ParseHave decodes a have payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("peerwire: have payload length %d, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// ParsePiece decodes a piece message's payload.
func ParsePiece(payload []byte) (PiecePayload, error) {
	if len(payload) < 8 {
		return PiecePayload{}, fmt.Errorf("peerwire: piece payload length %d, want >= 8", len(payload))
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}

// ParsePort decodes a port message's payload.
func ParsePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("peerwire: port payload length %d, want 2", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}
