package rdm

import (
	"github.com/efa-rdm/rdmcore/pkg/rdm/ope"
	"github.com/efa-rdm/rdmcore/pkg/rdm/peer"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// tryShortcutSHM forwards a send/write/read/atomic request through the
// shared-memory collaborator instead of the NIC when the destination is
// co-located (spec §4.10, component C10). Returns handled=true if the
// SHM collaborator serviced the request (successfully or not); the
// caller falls back to the NIC path when handled is false.
func (ep *Endpoint) tryShortcutSHM(entry *ope.Entry, addr proto.Addr, data [][]byte) (handled bool, err error) {
	if ep.shmCollab == nil {
		return false, nil
	}
	pr, ok := ep.peers.Get(entry.PeerID)
	if ok && pr.HasFlag(peer.FlagSHMDisabled) {
		return false, nil
	}
	if !ep.shmCollab.IsLocal(addr) {
		return false, nil
	}

	switch entry.Kind {
	case proto.OpSendMsg:
		err = ep.shmCollab.SendMsg(addr, data, entry.CQData)
	case proto.OpSendTagged:
		err = ep.shmCollab.SendTagged(addr, data, entry.Tag, entry.CQData)
	case proto.OpWrite:
		err = ep.shmCollab.Write(addr, data, firstRemote(entry.RemoteVec))
	case proto.OpRead:
		err = ep.shmCollab.Read(addr, data, firstRemote(entry.RemoteVec))
	case proto.OpAtomicWrite, proto.OpAtomicFetch, proto.OpAtomicCompare:
		var payload []byte
		if len(data) > 0 {
			payload = data[0]
		}
		_, err = ep.shmCollab.Atomic(addr, atomicOpFor(entry.Kind), firstRemote(entry.RemoteVec), payload)
	default:
		return false, nil
	}

	if err == nil {
		entry.BytesSent = entry.TotalLen
		entry.BytesCopied = entry.TotalLen
		ep.completeTX(entry)
	}
	return true, err
}

func firstRemote(segs []proto.RemoteSegment) proto.RemoteSegment {
	if len(segs) == 0 {
		return proto.RemoteSegment{}
	}
	return segs[0]
}
