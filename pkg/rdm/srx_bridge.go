package rdm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/efa-rdm/rdmcore/pkg/rdm/ope"
	"github.com/efa-rdm/rdmcore/pkg/rdm/srx"
)

// maxSRXRetries bounds the total number of QueueMsg/QueueTag attempts
// (the first call plus retries) before handOffToSRX gives up and reports the
// failure, rather than retrying forever against a service that may be
// down for good.
const maxSRXRetries = 3

// handOffToSRX replaces the default unexpected-list stash with an
// external matching service call when one is configured (spec §4.11,
// component C11): an unexpected RTM is described as a ContextOPE and
// queued with the service instead of appended to the peer's own
// unexpected list.
//
// Called with ep.mu held; this is the first of the two documented
// lock-drop exceptions (spec §5): the endpoint lock is released for the
// duration of the call into the external service and reacquired before
// returning, since the service is free to call back into StartMsg/
// StartTag from another goroutine in the meantime.
func (ep *Endpoint) handOffToSRX(ctx context.Context, pr int, entry *ope.Entry, tagged bool) (handled bool, err error) {
	if ep.srxSvc == nil {
		return false, nil
	}
	c := &srx.ContextOPE{
		ID:       entry.ID,
		PeerID:   pr,
		PacketID: firstPacketID(entry),
		Tagged:   tagged,
		Tag:      entry.Tag,
		Ignore:   entry.Ignore,
	}

	ep.mu.Unlock()
	err = ep.queueWithRetry(ctx, c, tagged)
	ep.mu.Lock()
	return true, err
}

// queueWithRetry calls QueueMsg/QueueTag, retrying with bounded
// exponential backoff if the external matching service is transiently
// unavailable, grounded on the reconnect-ticker schedule the teacher
// uses for its own flaky external dependency (bird-adapter's gRPC
// stream reconnection). Gives up and returns the last error after
// maxSRXRetries attempts.
func (ep *Endpoint) queueWithRetry(ctx context.Context, c *srx.ContextOPE, tagged bool) error {
	attempt := func() error {
		if tagged {
			return ep.srxSvc.QueueTag(ctx, c)
		}
		return ep.srxSvc.QueueMsg(ctx, c)
	}

	lastErr := attempt()
	if lastErr == nil {
		return nil
	}

	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
	})
	defer ticker.Stop()

	for tries := 1; tries < maxSRXRetries; tries++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if lastErr = attempt(); lastErr == nil {
				return nil
			}
		}
	}
	return lastErr
}

func firstPacketID(entry *ope.Entry) int {
	if len(entry.QueuedPackets) == 0 {
		return -1
	}
	return entry.QueuedPackets[0]
}

// StartMsg and StartTag implement srx.Callback: the external matching
// service calls back into the endpoint once it resolves a posted
// receive against a context it was handed earlier. Per spec §5, this is
// the first of the two documented lock-drop exceptions — the bridge
// itself does not hold ep.mu while the external service runs (the
// service invoked StartMsg/StartTag asynchronously, outside any call
// the endpoint made while holding the lock); StartMsg/StartTag take the
// lock fresh to drive the matched OPE to completion.
func (ep *Endpoint) StartMsg(ctxID int) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	entry, ok := ep.opes.Get(ctxID)
	if !ok {
		return nil
	}
	if entry.BytesCopied >= entry.TotalLen {
		ep.completeRX(entry)
	}
	return nil
}

func (ep *Endpoint) StartTag(ctxID int, tag uint64) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	entry, ok := ep.opes.Get(ctxID)
	if !ok {
		return nil
	}
	if entry.Tag != tag {
		return nil
	}
	if entry.BytesCopied >= entry.TotalLen {
		ep.completeRX(entry)
	}
	return nil
}
