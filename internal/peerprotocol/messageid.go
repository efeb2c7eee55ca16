package peerprotocol

import "strconv"

// MessageID is the identifier of a peer message.
type MessageID uint8

// Peer message types
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Extension MessageID = 20
)

var messageIDStrings = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Extension:     "extension",
}

// Known reports whether the id is one of the messages handled by this package.
func (m MessageID) Known() bool {
	_, ok := messageIDStrings[m]
	return ok
}

func (m MessageID) String() string {
	s, ok := messageIDStrings[m]
	if !ok {
		return strconv.FormatInt(int64(m), 10)
	}
	return s
}
