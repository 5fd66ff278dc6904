// ABOUTME: Length-prefixed frame codec
// ABOUTME: [4-byte BE total length][1-byte type][payload], JSON payloads except audio
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the length prefix plus the type tag
	HeaderSize = 5

	// MaxPayloadSize is the largest payload a 32-bit length prefix can describe
	MaxPayloadSize = math.MaxUint32 - HeaderSize
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNoFrame          = errors.New("no frame ready")
)

// EncodeFrame wraps an already-serialized payload in a frame header
func EncodeFrame(t FrameType, payload []byte) ([]byte, error) {
	if err := checkPayloadSize(len(payload)); err != nil {
		return nil, err
	}

	total := HeaderSize + len(payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(t)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame splits a complete frame into its type and payload.
// The payload aliases b.
func DecodeFrame(b []byte) (FrameType, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(b))
	}

	declared := binary.BigEndian.Uint32(b[0:4])
	if declared < HeaderSize {
		return 0, nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, declared)
	}
	if uint64(declared) != uint64(len(b)) {
		return 0, nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrMalformedFrame, declared, len(b))
	}

	return FrameType(b[4]), b[HeaderSize:], nil
}

// Encode serializes a message into a complete frame
func Encode(msg Message) ([]byte, error) {
	var value any

	switch m := msg.(type) {
	case Audio:
		return EncodeFrame(TypeAudio, m.Data)
	case *Audio:
		return EncodeFrame(TypeAudio, m.Data)
	case ListRequest, *ListRequest:
		return EncodeFrame(TypeListRequest, nil)
	case ServerInit:
		value = m
	case ClientInit:
		value = m
	case ServerChat:
		value = m.Text
	case ClientChat:
		value = m.Text
	case Join:
		value = m.Channel
	case ChannelList:
		value = m.Channels
	case Request:
		value = m.Query
	case ServerError:
		value = m.Reason
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", msg)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.FrameType(), err)
	}
	return EncodeFrame(msg.FrameType(), payload)
}

// Decode parses a complete frame into its typed message
func Decode(b []byte) (Message, error) {
	t, payload, err := DecodeFrame(b)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeAudio:
		data := make([]byte, len(payload))
		copy(data, payload)
		return Audio{Data: data}, nil

	case TypeListRequest:
		if len(payload) > 0 && !json.Valid(payload) {
			return nil, fmt.Errorf("%w: invalid %s payload", ErrMalformedFrame, t)
		}
		return ListRequest{}, nil

	case TypeServerInit:
		var m ServerInit
		if err := unmarshalPayload(t, payload, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeClientInit:
		var m ClientInit
		if err := unmarshalPayload(t, payload, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeChannelList:
		var names []string
		if err := unmarshalPayload(t, payload, &names); err != nil {
			return nil, err
		}
		return ChannelList{Channels: names}, nil

	case TypeServerChat, TypeClientChat, TypeJoin, TypeRequest, TypeServerError:
		var s string
		if err := unmarshalPayload(t, payload, &s); err != nil {
			return nil, err
		}
		return stringMessage(t, s), nil
	}

	return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedFrame, uint8(t))
}

func stringMessage(t FrameType, s string) Message {
	switch t {
	case TypeServerChat:
		return ServerChat{Text: s}
	case TypeClientChat:
		return ClientChat{Text: s}
	case TypeJoin:
		return Join{Channel: s}
	case TypeRequest:
		return Request{Query: s}
	default:
		return ServerError{Reason: s}
	}
}

func unmarshalPayload(t FrameType, payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedFrame, t)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, t, err)
	}
	return nil
}

func checkPayloadSize(n int) error {
	if uint64(n) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return nil
}
