package engine

import (
	"log"
	"time"

	"github.com/eduverse/mentorchat/wire"
)

// pendingCancellation tracks one outstanding stop request until the
// backend acks it or the bounded wait expires.
type pendingCancellation struct {
	sessionID string
	issuedAt  time.Time
	resolved  bool
	timer     *time.Timer
}

// CancellationController drives the stop-generation channel. It is owned
// by the engine loop; the only off-loop activity is the timeout timer,
// which posts back through the expire callback.
type CancellationController struct {
	stop    Channel
	pending map[string]*pendingCancellation
	timeout time.Duration
	log     *log.Logger

	// expire reschedules timeout handling onto the engine loop.
	expire func(sessionID string)
}

func newCancellationController(stop Channel, timeout time.Duration, logger *log.Logger, expire func(string)) *CancellationController {
	return &CancellationController{
		stop:    stop,
		pending: make(map[string]*pendingCancellation),
		timeout: timeout,
		log:     logger,
		expire:  expire,
	}
}

// Stop issues a stop command for the session. A second stop while one is
// outstanding is a no-op. The pending record is registered even when the
// send fails: the timeout path guarantees the caller always observes a
// Stopped transition, with or without backend cooperation.
func (cc *CancellationController) Stop(sessionID string) error {
	if p, ok := cc.pending[sessionID]; ok && !p.resolved {
		return nil
	}

	p := &pendingCancellation{sessionID: sessionID, issuedAt: time.Now()}
	p.timer = time.AfterFunc(cc.timeout, func() { cc.expire(sessionID) })
	cc.pending[sessionID] = p

	payload, err := wire.Encode(wire.StopRequest{Action: "stop", SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := cc.stop.Send(payload); err != nil {
		cc.log.Printf("stop send failed for %s, relying on local timeout: %v", sessionID, err)
		return err
	}
	return nil
}

// Ack resolves the pending cancellation for sessionID. Returns true when a
// stop was actually outstanding, i.e. the engine should transition the
// session to stopped.
func (cc *CancellationController) Ack(sessionID string) bool {
	p, ok := cc.pending[sessionID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	p.timer.Stop()
	delete(cc.pending, sessionID)
	return true
}

// Expire handles the timeout for sessionID, run on the engine loop. True
// means the ack never came and the local transition must be forced.
func (cc *CancellationController) Expire(sessionID string) bool {
	p, ok := cc.pending[sessionID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	delete(cc.pending, sessionID)
	cc.log.Printf("cancellation ack timed out for %s after %v, forcing local stop", sessionID, cc.timeout)
	return true
}

// Outstanding reports whether a stop is pending for sessionID.
func (cc *CancellationController) Outstanding(sessionID string) bool {
	p, ok := cc.pending[sessionID]
	return ok && !p.resolved
}
