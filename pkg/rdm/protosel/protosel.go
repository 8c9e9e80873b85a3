// Package protosel implements the protocol selector (spec §4.4,
// component C4): given a TX send operation's size and requested
// semantics, choose which wire protocol family carries it.
package protosel

import "github.com/efa-rdm/rdmcore/pkg/rdm/proto"

// Outcome reports what the caller should do with the selection result.
type Outcome uint8

const (
	// OutcomeSelected means Protocol is valid and the message should be
	// dispatched using it.
	OutcomeSelected Outcome = iota
	// OutcomeNeedHandshake means the peer's capabilities are unknown and
	// a baseline handshake packet must be posted to elicit one; the
	// caller must return "try again later" without consuming a message
	// id (spec §4.4).
	OutcomeNeedHandshake
	// OutcomeNotSupported means the peer is known not to support a
	// capability the caller explicitly requires (e.g. DELIVERY_COMPLETE).
	OutcomeNotSupported
)

// Config carries the size thresholds and capability queries the
// decision procedure needs (spec §4.4, §6 configuration table).
type Config struct {
	MinReadMsgSize    [2]uint64 // indexed by proto.MemoryInterface
	MaxMediumMsgSize  [2]uint64
	RuntThreshold     uint64 // read-eligible sizes below this use runting-read, at or above it long-read
	RuntSize          uint64 // max bytes carried inline by a single runting-read
	DeviceReadAvail   bool
	MRCacheAvail      bool

	// EagerCapacity returns the maximum eager payload currently available
	// for this peer and protocol (spec §4.4 step 2 depends on per-peer
	// credit state the selector does not itself own).
	EagerCapacity func(proto.Protocol) uint64
}

// Select implements the spec §4.4 decision procedure in order.
func Select(
	kind proto.OpKind,
	totalLen uint64,
	requireDC bool,
	memIface proto.MemoryInterface,
	caps proto.Capability,
	capsKnown bool,
	runtInFlight uint64,
	cfg Config,
) (proto.Protocol, Outcome) {
	// DC capability gate (spec §4.6): unknown capabilities force a
	// handshake before any DC variant can be chosen; a peer known not to
	// support DC is a hard "not supported".
	if requireDC {
		if !capsKnown {
			return 0, OutcomeNeedHandshake
		}
		if !caps.Has(proto.CapDeliveryComplete) {
			return 0, OutcomeNotSupported
		}
	}

	canReadProtocols := cfg.DeviceReadAvail && (memIface == proto.MemSystem || cfg.MRCacheAvail)

	// Step 1: long-read / runting-read.
	if totalLen >= cfg.MinReadMsgSize[memIface] && canReadProtocols {
		if !capsKnown {
			return 0, OutcomeNeedHandshake
		}
		if !caps.Has(proto.CapRdmaRead) {
			// Fall through: device-read path unavailable for this peer,
			// try the size-bounded protocols below instead.
		} else if totalLen < cfg.RuntThreshold {
			if !caps.Has(proto.CapRuntingRead) {
				// Capabilities are known and lack runting-read, but the
				// peer serves one-sided reads.
				return proto.ProtoLongRead, OutcomeSelected
			}
			runtAvail := cfg.RuntSize
			if runtInFlight < runtAvail {
				runtAvail -= runtInFlight
			} else {
				runtAvail = 0
			}
			if runtAvail > 0 {
				return proto.ProtoRuntingRead, OutcomeSelected
			}
			// No runt budget left right now; fall back below.
		} else {
			return proto.ProtoLongRead, OutcomeSelected
		}
	}

	// Step 2: eager.
	if totalLen <= cfg.EagerCapacity(proto.ProtoEager) {
		return proto.ProtoEager, OutcomeSelected
	}

	// Step 3: medium.
	if totalLen <= cfg.MaxMediumMsgSize[memIface] {
		return proto.ProtoMedium, OutcomeSelected
	}

	// Step 4: long-CTS, receiver-pulled windowed.
	return proto.ProtoLongCTS, OutcomeSelected
}
