package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	hs := []Handshake{
		{},
		{
			Extensions: NewExtensionBits(true),
			InfoHash:   [20]byte{0xff, 1, 2, 3, 19: 0xee},
			PeerID:     [20]byte{'-', 'P', 'F', '0', '1', '0', '0', '-', 19: 'x'},
		},
	}
	for _, h := range hs {
		b, err := h.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, b, HandshakeLength)
		assert.Equal(t, byte(19), b[0])
		assert.Equal(t, "BitTorrent protocol", string(b[1:20]))

		var got Handshake
		require.NoError(t, got.UnmarshalBinary(b))
		assert.Equal(t, h, got)
		b2, err := got.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, b, b2)

		r := bytes.NewReader(b)
		ext, ih, err := ReadHandshakeHeader(r)
		require.NoError(t, err)
		id, err := ReadPeerID(r)
		require.NoError(t, err)
		assert.Equal(t, h, Handshake{Extensions: ext, InfoHash: ih, PeerID: id})
	}
}

func TestHandshakeInvalid(t *testing.T) {
	b, err := Handshake{}.MarshalBinary()
	require.NoError(t, err)
	b[3] = 'X'
	var h Handshake
	assert.Equal(t, ErrInvalidProtocol, h.UnmarshalBinary(b))
	_, _, err = ReadHandshakeHeader(bytes.NewReader(b))
	assert.Equal(t, ErrInvalidProtocol, err)
	assert.Error(t, h.UnmarshalBinary(b[:67]))
}

func TestExtensionBits(t *testing.T) {
	assert.True(t, NewExtensionBits(true).ExtensionProtocol())
	assert.False(t, NewExtensionBits(false).ExtensionProtocol())
	assert.Equal(t, ExtensionBits{5: 0x10}, NewExtensionBits(true))
}

func TestExtensionHandshake(t *testing.T) {
	msg, err := NewExtensionHandshake("pieceflow 1.0", 250)
	require.NoError(t, err)
	assert.EqualValues(t, ExtensionIDHandshake, msg.ExtendedID)

	hs, err := ParseExtensionHandshake(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "pieceflow 1.0", hs.V)
	assert.Equal(t, 250, hs.RequestQueue)

	_, err = ParseExtensionHandshake([]byte("not bencode"))
	assert.Error(t, err)
}
