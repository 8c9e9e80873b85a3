// Package loopback provides a software-only nic.Device/AddressVector/
// pool.Allocator binding that loops packets back to the same process.
// It exists only so cmd/rdmd has something to run against out of the
// box: the real dataplane NIC (queue pairs, memory registration,
// address resolution over the network) is an external collaborator
// spec.md §1 places out of scope, and no hardware or CGo binding is
// introduced here to replace it.
package loopback

import (
	"sync"

	"github.com/efa-rdm/rdmcore/pkg/rdm/nic"
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// Device is an in-memory nic.Device: every PostSend immediately queues
// its own send completion. It does not synthesize a receive completion
// alongside it, because a real device fills a pre-registered DeviceRX
// pool buffer by identity before posting CQERecvOK (spec §4.1, §4.8),
// and nic.Device has no buffer-registration hook for a software stand-in
// to hook into — see pkg/rdm/endpoint_test.go for receive-path coverage
// driven directly off HandlePacket instead.
type Device struct {
	mu       sync.Mutex
	cq       []nic.CQE
	selfAddr proto.Addr
}

// New constructs a loopback Device bound to selfAddr (the address this
// process resolves to in its own AddressVector).
func New(selfAddr proto.Addr) *Device {
	return &Device{selfAddr: selfAddr}
}

func (d *Device) PostSend(pkt *pool.Packet, addr proto.Addr, more bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cq = append(d.cq, nic.CQE{Kind: nic.CQESendOK, PacketID: pkt.ID, OPEID: pkt.OPEID, Addr: addr})
	return nil
}

func (d *Device) PostRead(addr proto.Addr, local []byte, remote proto.RemoteSegment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cq = append(d.cq, nic.CQE{Kind: nic.CQEReadCompletion, OPEID: -1, Addr: addr, Bytes: uint64(len(local))})
	return nil
}

func (d *Device) PostWrite(addr proto.Addr, local []byte, remote proto.RemoteSegment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cq = append(d.cq, nic.CQE{Kind: nic.CQEWriteCompletion, OPEID: -1, Addr: addr, Bytes: uint64(len(local))})
	return nil
}

func (d *Device) PostAtomic(addr proto.Addr, op proto.AtomicOp, remote proto.RemoteSegment, operand []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cq = append(d.cq, nic.CQE{Kind: nic.CQEWriteCompletion, OPEID: -1, Addr: addr})
	return nil
}

func (d *Device) PollCQ(max int) ([]nic.CQE, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || max > len(d.cq) {
		max = len(d.cq)
	}
	out := d.cq[:max]
	d.cq = d.cq[max:]
	return out, nil
}

func (d *Device) OutstandingTXBudget() int { return 64 }

// AddressVector is a trivial in-memory address vector: each new raw
// address is assigned the next sequential proto.Addr, starting at 1.
type AddressVector struct {
	mu  sync.Mutex
	ids map[string]proto.Addr
	raw map[proto.Addr][]byte
	n   uint64
}

func NewAddressVector() *AddressVector {
	return &AddressVector{ids: map[string]proto.Addr{}, raw: map[proto.Addr][]byte{}}
}

func (av *AddressVector) Resolve(raw []byte, qpn uint32, connID uint32) (proto.Addr, error) {
	av.mu.Lock()
	defer av.mu.Unlock()
	key := string(raw)
	if id, ok := av.ids[key]; ok {
		return id, nil
	}
	av.n++
	id := proto.Addr(av.n)
	av.ids[key] = id
	av.raw[id] = append([]byte(nil), raw...)
	return id, nil
}

func (av *AddressVector) Lookup(addr proto.Addr) ([]byte, bool) {
	av.mu.Lock()
	defer av.mu.Unlock()
	raw, ok := av.raw[addr]
	return raw, ok
}

func (av *AddressVector) Remove(addr proto.Addr) error {
	av.mu.Lock()
	defer av.mu.Unlock()
	if raw, ok := av.raw[addr]; ok {
		delete(av.ids, string(raw))
		delete(av.raw, addr)
	}
	return nil
}

// Allocator backs the packet pool with plain heap buffers (spec §1:
// the real memory-registration cache is out of scope).
type Allocator struct{}

func (Allocator) Allocate(class pool.Class, n int) (buf []byte, registered bool, err error) {
	return make([]byte, n), true, nil
}
