package torrent

// Version of the client. Sent in the extension handshake and in the peer id prefix.
const Version = "0.1.0"

// http://www.bittorrent.org/beps/bep_0020.html
var peerIDPrefix = []byte("-PF0010-")
