package rdm

import (
	"time"

	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
	"github.com/efa-rdm/rdmcore/pkg/rdm/protosel"
)

// RNRPolicy selects how the send path reacts to an RNR completion for a
// user TX packet (spec §4.6). The original implementation switches on an
// env/fi_info flag between these two behaviors; we carry both as an
// explicit enum (SPEC_FULL.md supplemented feature #3) rather than a
// single implicit mode.
type RNRPolicy uint8

const (
	// RNRPolicyProviderManaged requeues the packet and marks the OPE
	// queued-for-RNR; the progress engine resends it once the peer's
	// backoff window elapses.
	RNRPolicyProviderManaged RNRPolicy = iota
	// RNRPolicyApplicationManaged writes a single error completion per
	// OPE and does not retry.
	RNRPolicyApplicationManaged
)

// Config is the per-endpoint configuration subset named in spec §6.
type Config struct {
	TxMinCredits int
	TxQueueSize  int
	RxSize       int

	RecvWinSize int
	CQSize      int
	MTUSize     int

	CQReadSize int // efa_cq_read_size

	ReadSegmentSize  int // efa_read_segment_size
	WriteSegmentSize int // efa_write_segment_size

	RNRRetry    int // 0..=7, 7 means infinite
	RNRPolicy   RNRPolicy
	RNRInitialWait time.Duration
	RNRWaitCap     time.Duration

	UseZcpyRX bool

	// SelectiveCompletion makes writeCQ skip the CQ entry of an operation
	// that did not request a completion (spec §4.9).
	SelectiveCompletion bool

	EnableSHMTransfer bool
	SHMMinBusySize    int

	// MessagePrefixSize is the "message prefix" P the endpoint
	// advertises (spec §4.2): P>0 reserves that many bytes at the front
	// of the caller's first TX segment.
	MessagePrefixSize int

	// HostID is the best-effort host identifier parsed from
	// host_id_file by internal/config.LoadConfig (spec §6); zero if
	// unset or unparsable.
	HostID uint64

	Selector SelectorConfig

	Pool pool.Config
}

// SelectorConfig is the subset of protosel.Config driven by endpoint
// configuration plus the NIC/memory-cache capability probes (spec §4.4).
type SelectorConfig struct {
	MinReadMsgSizeSystem uint64
	MinReadMsgSizeDevice uint64
	MaxMediumMsgSizeSystem uint64
	MaxMediumMsgSizeDevice uint64
	RuntThreshold          uint64
	RuntSize               uint64
}

func (c SelectorConfig) toProtosel(deviceReadAvail, mrCacheAvail bool, eagerCap func(proto.Protocol) uint64) protosel.Config {
	return protosel.Config{
		MinReadMsgSize:   [2]uint64{c.MinReadMsgSizeSystem, c.MinReadMsgSizeDevice},
		MaxMediumMsgSize: [2]uint64{c.MaxMediumMsgSizeSystem, c.MaxMediumMsgSizeDevice},
		RuntThreshold:    c.RuntThreshold,
		RuntSize:         c.RuntSize,
		DeviceReadAvail:  deviceReadAvail,
		MRCacheAvail:     mrCacheAvail,
		EagerCapacity:    eagerCap,
	}
}

// DefaultConfig mirrors the defaults the original implementation ships
// (original_source/prov/efa/src/efa_env.h), scaled to reasonable
// defaults for a software-only reimplementation.
func DefaultConfig() Config {
	return Config{
		TxMinCredits:     32,
		TxQueueSize:      256,
		RxSize:           256,
		RecvWinSize:      1 << 20,
		CQSize:           1024,
		MTUSize:          8928,
		CQReadSize:       50,
		ReadSegmentSize:  1 << 20,
		WriteSegmentSize: 1 << 20,
		RNRRetry:         3,
		RNRPolicy:        RNRPolicyProviderManaged,
		RNRInitialWait:   100 * time.Microsecond,
		RNRWaitCap:       1 * time.Second,
		UseZcpyRX:        false,
		EnableSHMTransfer: true,
		SHMMinBusySize:    4096,
		Selector: SelectorConfig{
			MinReadMsgSizeSystem:   1 << 18,
			MinReadMsgSizeDevice:   1 << 16,
			MaxMediumMsgSizeSystem: 64 << 10,
			MaxMediumMsgSizeDevice: 64 << 10,
			RuntThreshold:          1 << 17,
			RuntSize:               16 << 10,
		},
		Pool: pool.Config{
			BufSize:       16 << 10,
			ChunkSize:     64,
			ReadCopyAlign: 128,
		},
	}
}
