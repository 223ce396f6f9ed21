package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire protocol between the scanner and the out-of-process worker:
// every message is a 4-byte big-endian length prefix followed by a
// msgpack-encoded Message. The prefix gives the peer unambiguous
// message boundaries on a byte stream.

// Message types.
const (
	// TypeDecode carries a DecodeRequest (scanner → worker)
	TypeDecode = "decode"
	// TypeResult carries a *string payload, nil meaning not-found
	// (worker → scanner)
	TypeResult = "qrResult"
	// TypeError carries a fault description (worker → scanner)
	TypeError = "error"
	// TypeClose asks the worker to release resources and exit
	TypeClose = "close"
	// TypeInversionMode carries an InversionMode string
	TypeInversionMode = "inversionMode"
	// TypeGrayscaleWeights carries a GrayscaleWeights payload
	TypeGrayscaleWeights = "grayscaleWeights"
)

// maxMessageSize bounds a single protocol message. Large enough for a
// raw RGBA raster at full-frame fallback size, small enough to reject
// a corrupted length prefix before allocating.
const maxMessageSize = 64 << 20

// Message is the protocol envelope. Payload encoding depends on Type.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// DecodeRequest is the payload of a TypeDecode message. Data is the
// raw RGBA pixel buffer, transferred (not copied) on each request.
type DecodeRequest struct {
	Data   []byte `msgpack:"data"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
}

// NewMessage builds an envelope with the payload msgpack-encoded.
func NewMessage(typ string, payload any) (*Message, error) {
	m := &Message{Type: typ}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("engine: marshal %s payload: %w", typ, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("engine: %s message has no payload", m.Type)
	}
	if err := msgpack.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("engine: unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("engine: marshal message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("engine: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("engine: write message body: %w", err)
	}
	return nil
}

// ReadMessage reads and decodes one framed message. Returns io.EOF
// unwrapped when the stream ends cleanly between messages.
func ReadMessage(r io.Reader) (*Message, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("engine: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix)
	if size == 0 || size > maxMessageSize {
		return nil, fmt.Errorf("engine: invalid message length %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("engine: read message body: %w", err)
	}

	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("engine: unmarshal message: %w", err)
	}
	return &m, nil
}
