// Package srx implements the peer-SRX bridge (spec §4.11, component
// C11): when the endpoint acts as a receive-context provider to an
// external matching service, unexpected RTM packets are handed off to
// that service instead of being queued on the endpoint's own unexpected
// list, and later "started" by the service once it has found a match.
package srx

import "context"

// ContextOPE is the tiny context record allocated for an unexpected RTM
// handed to the external service (spec §4.11): just enough to find the
// wire packet and peer again later.
type ContextOPE struct {
	ID       int
	PeerID   int
	PacketID int
	Tagged   bool
	Tag      uint64
	Ignore   uint64
}

// Service is the external matching service collaborator (spec §1,
// §4.11). QueueMsg/QueueTag are called by the core as unexpected RTMs
// arrive; the service is expected to later call back through Callback's
// StartMsg/StartTag once it has matched the context against a posted
// receive.
type Service interface {
	QueueMsg(ctx context.Context, c *ContextOPE) error
	QueueTag(ctx context.Context, c *ContextOPE) error
}

// Callback is implemented by the core endpoint and invoked by the
// external service when it resolves a match. Per spec §5, the bridge
// drops the endpoint lock across the call into Service and reacquires it
// before driving the matched OPE to completion — the one documented
// exception (besides RMA clone release) to "no routine may block or
// yield while holding the endpoint lock".
type Callback interface {
	StartMsg(ctxID int) error
	StartTag(ctxID int, tag uint64) error
}
