package credits

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/sessions"
)

// Enforcer is the billing enforcement loop. On a fixed tick it debits every
// live session's account for the tick's worth of seconds and force-ends
// sessions whose accounts are exhausted. It also reconciles leases still
// marked active in the database against the in-memory store, closing
// orphans left by a crash.
type Enforcer struct {
	// Interval is the tick period; each tick debits Interval worth of
	// seconds per live session.
	Interval time.Duration

	Store *sessions.Store

	// CloseSession is the converged teardown path (bridge close, control
	// connection stop, store removal, lease close). It must be idempotent.
	CloseSession func(sessionID, reason string)

	// RevokeTokens invalidates bearer tokens bound to a session.
	RevokeTokens func(sessionID string)
}

// Run ticks until ctx is canceled.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick performs one enforcement pass. Exported so tests and the cleanup job
// can drive it directly.
func (e *Enforcer) Tick() {
	e.debitLiveSessions()
	e.reconcileOrphans()
}

// debitLiveSessions charges each live session for one tick. A session whose
// account cannot cover the full tick is force-closed with nothing debited:
// the final partial interval is free, the balance is never overdrawn.
func (e *Enforcer) debitLiveSessions() {
	seconds := int64(e.Interval.Seconds())
	if seconds <= 0 {
		return
	}

	for _, sess := range e.Store.List() {
		err := Debit(sess.AccountID, seconds, "session_time", "")
		if err == nil {
			if hbErr := database.HeartbeatLease(sess.ID); hbErr != nil {
				log.Printf("[credits] session %s: heartbeat lease: %v", sess.ID, hbErr)
			}
			continue
		}
		if errors.Is(err, ErrInsufficientCredits) {
			log.Printf("[credits] account %s exhausted, force-ending session %s", sess.AccountID, sess.ID)
			e.CloseSession(sess.ID, "exhausted")
			continue
		}
		// Transient persistence error: keep the session, retry next tick.
		log.Printf("[credits] session %s: debit failed: %v", sess.ID, err)
	}
}

// pendingStartBound is how long a pending lease may sit before it is treated
// as the remains of a crashed start. Comfortably above the manager's connect
// and socket-wait bounds, so a live start is never reaped.
const pendingStartBound = 2 * time.Minute

// reconcileOrphans closes leases whose session no longer exists in memory:
// active leases left by a crash mid-session, and pending leases left by a
// crash mid-start. Pending leases count against the session cap, so a stale
// one locks a slot until it is closed here.
func (e *Enforcer) reconcileOrphans() {
	leases, err := database.ActiveLeases()
	if err != nil {
		log.Printf("[credits] list active leases: %v", err)
		return
	}
	for _, lease := range leases {
		if _, ok := e.Store.Get(lease.SessionID); ok {
			continue
		}
		log.Printf("[credits] lease %s active but session gone, closing as orphaned", lease.SessionID)
		e.closeOrphan(lease.SessionID, database.LeaseClosed)
	}

	stale, err := database.StalePendingLeases(time.Now().Add(-pendingStartBound))
	if err != nil {
		log.Printf("[credits] list stale pending leases: %v", err)
		return
	}
	for _, lease := range stale {
		if _, ok := e.Store.Get(lease.SessionID); ok {
			continue
		}
		log.Printf("[credits] lease %s pending past start bound, closing as orphaned", lease.SessionID)
		e.closeOrphan(lease.SessionID, database.LeaseError)
	}
}

func (e *Enforcer) closeOrphan(sessionID, status string) {
	if err := database.CloseLease(sessionID, status, "orphaned"); err != nil {
		log.Printf("[credits] close orphaned lease %s: %v", sessionID, err)
	}
	if e.RevokeTokens != nil {
		e.RevokeTokens(sessionID)
	}
}
