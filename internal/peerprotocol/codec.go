package peerprotocol

import (
	"encoding/binary"
	"io"
)

// keep-alive is a message with zero length and no id
var keepAlive = [4]byte{}

// Marshal returns the framed form of msg: a 4-byte big-endian length,
// the message id and the payload.
func Marshal(msg Message) ([]byte, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(1+len(payload)))
	b[4] = byte(msg.ID())
	copy(b[5:], payload)
	return b, nil
}

// WriteMessage writes the framed message to w.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	b, err := Marshal(msg)
	if err != nil {
		return 0, err
	}
	return w.Write(b)
}

// WriteKeepAlive writes a keep-alive message to w.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write(keepAlive[:])
	return err
}

// ReadMessage reads one framed message from r.
// A nil Message with nil error is a keep-alive.
// Messages longer than maxLength are rejected without reading the payload.
func ReadMessage(r io.Reader, maxLength uint32) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > maxLength {
		return nil, Errorf("message length %d exceeds limit %d", length, maxLength)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return Decode(MessageID(b[0]), b[1:])
}

// Unmarshal parses a framed message produced by Marshal.
// A nil Message with nil error is a keep-alive.
func Unmarshal(frame []byte) (Message, error) {
	if len(frame) < 4 {
		return nil, Errorf("short frame: %d bytes", len(frame))
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if uint64(length) != uint64(len(frame)-4) {
		return nil, Errorf("declared length %d does not match frame length %d", length, len(frame)-4)
	}
	if length == 0 {
		return nil, nil
	}
	return Decode(MessageID(frame[4]), frame[5:])
}

// Decode parses the payload of a message with the given id.
// It checks the structure of the message only. Bounds against the torrent
// (piece count, piece length) are checked by the session.
// The returned message may refer to payload.
func Decode(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return nil, Errorf("%s message with %d bytes of payload", id, len(payload))
		}
		switch id {
		case Choke:
			return ChokeMessage{}, nil
		case Unchoke:
			return UnchokeMessage{}, nil
		case Interested:
			return InterestedMessage{}, nil
		default:
			return NotInterestedMessage{}, nil
		}
	case Have:
		if len(payload) != 4 {
			return nil, Errorf("have message with %d bytes of payload", len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		if len(payload) == 0 {
			return nil, Errorf("empty bitfield")
		}
		return BitfieldMessage{Data: payload}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, Errorf("%s message with %d bytes of payload", id, len(payload))
		}
		rm := RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
		if id == Cancel {
			return CancelMessage{rm}, nil
		}
		return rm, nil
	case Piece:
		if len(payload) <= 8 {
			return nil, Errorf("piece message with %d bytes of payload", len(payload))
		}
		if len(payload)-8 > MaxBlockSize {
			return nil, Errorf("piece message with block size larger than allowed (%d > %d)", len(payload)-8, MaxBlockSize)
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  payload[8:],
		}, nil
	case Extension:
		if len(payload) == 0 {
			return nil, Errorf("empty extension message")
		}
		return ExtensionMessage{ExtendedID: payload[0], Payload: payload[1:]}, nil
	}
	return nil, Errorf("unknown message id: %d", id)
}
