package peerprotocol

import (
	"bytes"

	"github.com/zeebo/bencode"
)

// ExtensionIDHandshake is the extended message id of the extension handshake.
const ExtensionIDHandshake = 0

// ExtensionHandshakeMessage is the payload of the BEP 10 handshake.
// No extended messages are registered in M; the handshake is used to exchange
// client version and the request queue length.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	RequestQueue int              `bencode:"reqq,omitempty"`
}

// NewExtensionHandshake returns the extension handshake as an ExtensionMessage.
func NewExtensionHandshake(version string, requestQueueLength int) (ExtensionMessage, error) {
	var buf bytes.Buffer
	err := bencode.NewEncoder(&buf).Encode(ExtensionHandshakeMessage{
		M:            map[string]uint8{},
		V:            version,
		RequestQueue: requestQueueLength,
	})
	if err != nil {
		return ExtensionMessage{}, err
	}
	return ExtensionMessage{ExtendedID: ExtensionIDHandshake, Payload: buf.Bytes()}, nil
}

// ParseExtensionHandshake decodes the payload of an extension handshake.
func ParseExtensionHandshake(payload []byte) (ExtensionHandshakeMessage, error) {
	var m ExtensionHandshakeMessage
	if err := bencode.DecodeBytes(payload, &m); err != nil {
		return m, Errorf("invalid extension handshake: %s", err)
	}
	if m.RequestQueue < 0 {
		m.RequestQueue = 0
	}
	return m, nil
}
