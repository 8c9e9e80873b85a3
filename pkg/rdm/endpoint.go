// Package rdm composes the leaf packages (pool, ope, peer, wire,
// protosel, nic, shm, srx) into the endpoint: the single object an
// application opens to send, receive, read, write, and make atomic
// RMA requests over an unreliable-datagram NIC with reliable-message
// semantics layered on top (spec §1, §5).
package rdm

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/efa-rdm/rdmcore/pkg/rdm/nic"
	"github.com/efa-rdm/rdmcore/pkg/rdm/ope"
	"github.com/efa-rdm/rdmcore/pkg/rdm/peer"
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
	"github.com/efa-rdm/rdmcore/pkg/rdm/shm"
	"github.com/efa-rdm/rdmcore/pkg/rdm/srx"
)

// Endpoint is the core object (spec §5): "all mutation of endpoint,
// peer, OPE, and pool state happens under the endpoint's single coarse
// mutex" — there is no fine-grained locking anywhere in this package.
type Endpoint struct {
	mu sync.Mutex

	cfg Config
	log Logger

	pool  *pool.Pool
	opes  *ope.Pool
	peers *peer.Table

	device nic.Device
	av     nic.AddressVector
	mrc    nic.MRCache
	atomic nic.AtomicOps

	shmCollab shm.Collaborator
	srxSvc    srx.Service

	counters *counters
	cq       []CQEntry
	cqErrors []CQError
	events   []Event
	cqBroken bool

	firstTickDone bool
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithLogger installs a structured logger (spec §1: logging is an
// external collaborator, never imported directly by the core).
func WithLogger(l Logger) Option {
	return func(e *Endpoint) { e.log = l }
}

// WithMRCache installs the memory-registration cache collaborator the
// selector consults (spec §4.4).
func WithMRCache(mrc nic.MRCache) Option {
	return func(e *Endpoint) { e.mrc = mrc }
}

// WithAtomicOps installs the arithmetic library collaborator the RTA
// handler (C7) applies operators through (spec §4.7).
func WithAtomicOps(a nic.AtomicOps) Option {
	return func(e *Endpoint) { e.atomic = a }
}

// WithSHM installs the shared-memory shim collaborator (spec §4.10,
// component C10). Omitted entirely, every send/read/write/atomic goes
// through the NIC even for co-located peers.
func WithSHM(c shm.Collaborator) Option {
	return func(e *Endpoint) { e.shmCollab = c }
}

// WithSRX installs the peer-SRX bridge service (spec §4.11, component
// C11). Omitted entirely, unexpected RTMs are queued on the endpoint's
// own unexpected lists instead of handed off externally.
func WithSRX(s srx.Service) Option {
	return func(e *Endpoint) { e.srxSvc = s }
}

// NewEndpoint constructs an Endpoint. device, av and alloc are mandatory;
// every other external collaborator is optional via Option.
func NewEndpoint(cfg Config, device nic.Device, av nic.AddressVector, alloc pool.Allocator, opts ...Option) (*Endpoint, error) {
	if device == nil {
		return nil, fmt.Errorf("rdm: NewEndpoint: device is required")
	}
	if av == nil {
		return nil, fmt.Errorf("rdm: NewEndpoint: address vector is required")
	}
	if alloc == nil {
		return nil, fmt.Errorf("rdm: NewEndpoint: allocator is required")
	}

	ep := &Endpoint{
		cfg:      cfg,
		log:      noopLogger{},
		pool:     pool.New(cfg.Pool, alloc),
		opes:     ope.New(cfg.MessagePrefixSize),
		peers:    peer.New(),
		device:   device,
		av:       av,
		counters: newCounters(),
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep, nil
}

// backoffCfg adapts Config's RNR-wait settings to peer.BackoffConfig.
func (ep *Endpoint) backoffCfg() peer.BackoffConfig {
	return peer.BackoffConfig{InitialWait: ep.cfg.RNRInitialWait, Cap: ep.cfg.RNRWaitCap}
}

// resolvePeer finds or inserts the peer.Peer for addr, used by every
// send-path entry point (spec §4.3).
func (ep *Endpoint) resolvePeer(addr proto.Addr) (*peer.Peer, error) {
	p, ok := ep.peers.Lookup(addr)
	if ok {
		return p, nil
	}
	raw, ok := ep.av.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("rdm: address %d not resolvable", addr)
	}
	pr, err := ep.peers.Insert(addr, raw, 0, 0)
	if err == nil {
		ep.log.Debugw("peer discovered", "addr", addr, "trace", xid.New().String())
	}
	return pr, err
}

// now is the single time source the send/recv/progress paths use, kept
// as a method so tests can't accidentally depend on wall-clock jitter
// beyond what RecordRNR/BackoffExpired already take as an explicit
// parameter.
func (ep *Endpoint) now() time.Time { return time.Now() }
