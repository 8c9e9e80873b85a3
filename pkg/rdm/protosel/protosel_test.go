package protosel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

func baseConfig() Config {
	return Config{
		MinReadMsgSize:   [2]uint64{1 << 20, 1 << 18},
		MaxMediumMsgSize: [2]uint64{65536, 65536},
		RuntThreshold:    1 << 19,
		RuntSize:         16384,
		DeviceReadAvail:  true,
		MRCacheAvail:     true,
		EagerCapacity:    func(proto.Protocol) uint64 { return 4096 },
	}
}

func TestSelectEager(t *testing.T) {
	protocol, outcome := Select(proto.OpSendMsg, 128, false, proto.MemSystem, proto.Baseline, true, 0, baseConfig())
	require.Equal(t, OutcomeSelected, outcome)
	require.Equal(t, proto.ProtoEager, protocol)
}

func TestSelectMedium(t *testing.T) {
	protocol, outcome := Select(proto.OpSendMsg, 20000, false, proto.MemSystem, proto.Baseline, true, 0, baseConfig())
	require.Equal(t, OutcomeSelected, outcome)
	require.Equal(t, proto.ProtoMedium, protocol)
}

func TestSelectLongCTS(t *testing.T) {
	protocol, outcome := Select(proto.OpSendMsg, 8<<20, false, proto.MemSystem, proto.Baseline, true, 0, baseConfig())
	require.Equal(t, OutcomeSelected, outcome)
	require.Equal(t, proto.ProtoLongCTS, protocol)
}

func TestSelectLongReadAboveThreshold(t *testing.T) {
	caps := proto.CapRdmaRead
	protocol, outcome := Select(proto.OpSendMsg, 4<<20, false, proto.MemSystem, caps, true, 0, baseConfig())
	require.Equal(t, OutcomeSelected, outcome)
	require.Equal(t, proto.ProtoLongRead, protocol)
}

func TestSelectRuntingReadBetweenMediumAndLongRead(t *testing.T) {
	cfg := baseConfig()
	caps := proto.CapRdmaRead | proto.CapRuntingRead
	size := cfg.MinReadMsgSize[proto.MemDevice]
	protocol, outcome := Select(proto.OpSendMsg, size, false, proto.MemDevice, caps, true, 0, cfg)
	require.Equal(t, OutcomeSelected, outcome)
	require.Equal(t, proto.ProtoRuntingRead, protocol)
}

func TestSelectDCRequiresHandshakeWhenCapsUnknown(t *testing.T) {
	_, outcome := Select(proto.OpSendMsg, 128, true, proto.MemSystem, proto.Baseline, false, 0, baseConfig())
	require.Equal(t, OutcomeNeedHandshake, outcome)
}

func TestSelectDCNotSupported(t *testing.T) {
	_, outcome := Select(proto.OpSendMsg, 128, true, proto.MemSystem, proto.Baseline, true, 0, baseConfig())
	require.Equal(t, OutcomeNotSupported, outcome)
}

func TestSelectReadCapabilityUnknownTriggersHandshake(t *testing.T) {
	_, outcome := Select(proto.OpSendMsg, 4<<20, false, proto.MemSystem, proto.Baseline, false, 0, baseConfig())
	require.Equal(t, OutcomeNeedHandshake, outcome)
}
