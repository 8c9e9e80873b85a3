package rdm

import "github.com/efa-rdm/rdmcore/pkg/rdm/proto"

// CQEntry is a successful completion, written per spec §4.9.
type CQEntry struct {
	OPEID   int
	Flags   proto.CQFlags
	Len     int
	Tag     uint64
	CQData  uint64
	Context any
}

// CQError is a failed completion (spec §4.9, §7): Kind classifies the
// failure, OLen/Len distinguish the truncated case (olen is the
// incoming message size, len is how much actually fit).
type CQError struct {
	OPEID   int
	Kind    proto.Kind
	OLen    int
	Len     int
	Context any
	Err     error
}

// Event is an endpoint-level event (spec §4.9, §7): used when a CQ
// write itself fails, or when a failing packet has no owning OPE (e.g.
// a handshake).
type Event struct {
	Kind proto.Kind
	Text string
}

// counters mirrors the per-endpoint counters spec §4.9 requires
// alongside each CQ write.
type counters struct {
	completions uint64
	errors      map[proto.Kind]uint64
	rnrEntered  uint64
	rnrExited   uint64
}

func newCounters() *counters {
	return &counters{errors: map[proto.Kind]uint64{}}
}

// writeCQ appends a success entry, respecting SELECTIVE_COMPLETION /
// per-operation COMPLETION semantics (spec §4.9): if requestCompletion
// is false and Config.SelectiveCompletion is set, no entry is written,
// only the counter is bumped.
func (ep *Endpoint) writeCQ(entry CQEntry, requestCompletion bool) {
	ep.counters.completions++
	if !requestCompletion && ep.cfg.SelectiveCompletion {
		return
	}
	ep.cq = append(ep.cq, entry)
}

// writeCQError appends an error entry. If the CQ itself is considered
// failed (cqBroken), it falls back to the endpoint event queue (spec
// §4.9, §7).
func (ep *Endpoint) writeCQError(entry CQError) {
	ep.counters.errors[entry.Kind]++
	if ep.cqBroken {
		ep.events = append(ep.events, Event{Kind: entry.Kind, Text: entry.Err.Error()})
		return
	}
	ep.cqErrors = append(ep.cqErrors, entry)
}

// reportError is the single entry point send/recv paths use to turn a
// classified failure into either an OPE-owned CQ error entry, or (for
// OPE-less packets such as a handshake) an endpoint event (spec §7).
func (ep *Endpoint) reportError(kind proto.Kind, opeID int, ctx any, err error) {
	if opeID < 0 {
		ep.counters.errors[kind]++
		ep.events = append(ep.events, Event{Kind: kind, Text: err.Error()})
		return
	}
	ep.writeCQError(CQError{OPEID: opeID, Kind: kind, Context: ctx, Err: err})
}

// PollCompletions drains and returns every success entry queued since
// the last call.
func (ep *Endpoint) PollCompletions() []CQEntry {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := ep.cq
	ep.cq = nil
	return out
}

// PollErrors drains and returns every error entry queued since the last
// call.
func (ep *Endpoint) PollErrors() []CQError {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := ep.cqErrors
	ep.cqErrors = nil
	return out
}

// PollEvents drains and returns every endpoint-level event queued since
// the last call.
func (ep *Endpoint) PollEvents() []Event {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := ep.events
	ep.events = nil
	return out
}

// Counters snapshots the endpoint's completion/error/backoff counters
// (spec §4.9), for exposition via internal/metrics.
func (ep *Endpoint) Counters() (completions uint64, errors map[proto.Kind]uint64, rnrEntered, rnrExited uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	errCopy := make(map[proto.Kind]uint64, len(ep.counters.errors))
	for k, v := range ep.counters.errors {
		errCopy[k] = v
	}
	return ep.counters.completions, errCopy, ep.counters.rnrEntered, ep.counters.rnrExited
}
