// Package addrlist keeps the addresses of peers that are not connected yet.
package addrlist

import (
	"net"

	"github.com/google/btree"
)

type peerAddr struct {
	addr     *net.TCPAddr
	key      string
	priority priority
}

var _ btree.Item = (*peerAddr)(nil)

func (p *peerAddr) Less(than btree.Item) bool {
	o := than.(*peerAddr)
	if p.priority != o.priority {
		return p.priority < o.priority
	}
	return p.key < o.key
}

// AddrList is a set of peer addresses ordered by BEP 40 priority relative to our own address.
type AddrList struct {
	byPriority *btree.BTree
	byKey      map[string]*peerAddr
	maxItems   int
	clientAddr *net.TCPAddr
}

// New returns an empty list that holds at most maxItems addresses.
// clientAddr is our address as seen by peers. It is excluded from the list.
func New(maxItems int, clientAddr *net.TCPAddr) *AddrList {
	return &AddrList{
		byPriority: btree.New(2),
		byKey:      make(map[string]*peerAddr),
		maxItems:   maxItems,
		clientAddr: clientAddr,
	}
}

// Len returns the number of addresses in the list.
func (d *AddrList) Len() int {
	return d.byPriority.Len()
}

// Pop removes and returns the address with the best priority. Returns nil if the list is empty.
func (d *AddrList) Pop() *net.TCPAddr {
	item := d.byPriority.DeleteMin()
	if item == nil {
		return nil
	}
	p := item.(*peerAddr)
	delete(d.byKey, p.key)
	return p.addr
}

// Push adds addresses to the list. Known addresses and invalid ones are ignored.
// When the list is full the addresses with the worst priority are dropped.
func (d *AddrList) Push(addrs []*net.TCPAddr) {
	for _, ad := range addrs {
		// 0 port is invalid
		if ad.Port == 0 {
			continue
		}
		if ad.IP.Equal(d.clientAddr.IP) && ad.Port == d.clientAddr.Port {
			continue
		}
		key := ad.String()
		if _, ok := d.byKey[key]; ok {
			continue
		}
		p := &peerAddr{addr: ad, key: key, priority: calculatePriority(ad, d.clientAddr)}
		d.byKey[key] = p
		d.byPriority.ReplaceOrInsert(p)
	}
	for d.byPriority.Len() > d.maxItems {
		p := d.byPriority.DeleteMax().(*peerAddr)
		delete(d.byKey, p.key)
	}
}
