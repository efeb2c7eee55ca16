package addrlist

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"net"
)

// priority is the BEP 40 canonical peer priority. Lower values are dialed first.
type priority = uint32

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func calculatePriority(a, b *net.TCPAddr) priority {
	x, y := priorityBytes(a, b)
	if bytes.Compare(x, y) > 0 {
		x, y = y, x
	}
	d := crc32.New(castagnoli)
	_, _ = d.Write(x)
	_, _ = d.Write(y)
	return d.Sum32()
}

func priorityBytes(a, b *net.TCPAddr) ([]byte, []byte) {
	if a.IP.Equal(b.IP) {
		var buf [4]byte
		binary.BigEndian.PutUint16(buf[0:2], uint16(a.Port))
		binary.BigEndian.PutUint16(buf[2:4], uint16(b.Port))
		return buf[0:2], buf[2:4]
	}
	a4, b4 := a.IP.To4(), b.IP.To4()
	if a4 == nil || b4 == nil {
		return a.IP.To16(), b.IP.To16()
	}
	var m net.IPMask
	switch {
	case !sameSubnet(16, a4, b4):
		m = net.IPv4Mask(0xff, 0xff, 0x55, 0x55)
	case !sameSubnet(24, a4, b4):
		m = net.IPv4Mask(0xff, 0xff, 0xff, 0x55)
	default:
		m = net.IPv4Mask(0xff, 0xff, 0xff, 0xff)
	}
	return a4.Mask(m), b4.Mask(m)
}

func sameSubnet(ones int, a, b net.IP) bool {
	mask := net.CIDRMask(ones, 32)
	return a.Mask(mask).Equal(b.Mask(mask))
}
