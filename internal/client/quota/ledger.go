// Package quota keeps the client's advisory view of the user's generation
// credits. The server stays authoritative: every refresh overwrites the
// snapshot and local decrements only bridge the gap until the next one.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"productshot/internal/client/latch"
	"productshot/internal/client/localstore"
	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/sirupsen/logrus"
)

const (
	collectionQuota = "quota"
	snapshotKey     = "current"

	// DefaultLowThreshold is the remaining count at or below which the
	// ledger reports SeverityLow.
	DefaultLowThreshold = 5
)

// Severity is the advisory level shown next to the remaining count.
type Severity string

const (
	SeverityUnknown   Severity = "unknown"
	SeverityOK        Severity = "ok"
	SeverityLow       Severity = "low"
	SeverityExhausted Severity = "exhausted"
)

// Remote is the part of the backend the ledger talks to.
type Remote interface {
	GetQuota(ctx context.Context) (entity.Quota, error)
	SubmitQuotaApplication(ctx context.Context, req entity.QuotaApplicationRequest) (entity.QuotaApplication, error)
}

// Ledger holds the quota snapshot of one session.
type Ledger struct {
	remote       Remote
	coll         *localstore.Collection[entity.QuotaSnapshot]
	lowThreshold int
	baseCtx      context.Context
	now          func() time.Time
	log          *logrus.Entry

	mu          sync.RWMutex
	snapshot    entity.QuotaSnapshot
	hasSnapshot bool
	// known is set by the first successful refresh of the session.
	known bool

	auto    latch.Flag
	pending sync.WaitGroup
}

// NewLedger builds a ledger. store may be nil to keep the snapshot in memory
// only; lowThreshold <= 0 selects DefaultLowThreshold.
func NewLedger(ctx context.Context, remote Remote, store *localstore.Store, lowThreshold int) *Ledger {
	if lowThreshold <= 0 {
		lowThreshold = DefaultLowThreshold
	}
	l := &Ledger{
		remote:       remote,
		lowThreshold: lowThreshold,
		baseCtx:      ctx,
		now:          func() time.Time { return time.Now().UTC() },
		log:          logrus.WithField("component", "quota"),
	}
	if store != nil {
		l.coll = localstore.NewCollection(store, collectionQuota, func(entity.QuotaSnapshot) string { return snapshotKey })
	}
	return l
}

// Load reads the persisted snapshot so a value can be shown before the first
// refresh. Severity stays unknown until Refresh succeeds.
func (l *Ledger) Load(ctx context.Context) error {
	if l.coll == nil {
		return nil
	}
	snap, err := l.coll.Get(ctx, snapshotKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	if !l.hasSnapshot {
		l.snapshot = snap
		l.hasSnapshot = true
	}
	l.mu.Unlock()
	return nil
}

// Refresh replaces the snapshot with the server's values.
func (l *Ledger) Refresh(ctx context.Context) (entity.QuotaSnapshot, error) {
	q, err := l.remote.GetQuota(ctx)
	if err != nil {
		metrics.RecordQuotaRefresh("error")
		return entity.QuotaSnapshot{}, fmt.Errorf("refresh quota: %w", err)
	}
	snap := entity.QuotaSnapshot{Remaining: q.Remaining, Used: q.Used, RefreshedAt: l.now()}

	l.mu.Lock()
	l.snapshot = snap
	l.hasSnapshot = true
	l.known = true
	l.mu.Unlock()

	l.persist(snap)
	metrics.RecordQuotaRefresh("ok")
	l.log.WithFields(logrus.Fields{
		"remaining": snap.Remaining,
		"used":      snap.Used,
	}).Debug("quota refreshed")
	return snap, nil
}

// RefreshAsync refreshes in the background. Failures are logged.
func (l *Ledger) RefreshAsync() {
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(l.baseCtx, 30*time.Second)
		defer cancel()
		if _, err := l.Refresh(ctx); err != nil && l.baseCtx.Err() == nil {
			l.log.WithError(err).Warn("background quota refresh failed")
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (l *Ledger) Wait() {
	l.pending.Wait()
}

// AutoRefresh performs the session's automatic refresh. Only the first call
// of a session reaches the server; ran reports whether this call did.
func (l *Ledger) AutoRefresh(ctx context.Context) (ran bool, err error) {
	if !l.auto.Trip() {
		return false, nil
	}
	_, err = l.Refresh(ctx)
	return true, err
}

// ApplyAcceptedTask decrements the snapshot after the server accepted a
// generation. The next refresh overwrites the result.
func (l *Ledger) ApplyAcceptedTask() {
	l.mu.Lock()
	if !l.hasSnapshot {
		l.mu.Unlock()
		return
	}
	l.snapshot.Remaining--
	l.snapshot.Used++
	snap := l.snapshot
	l.mu.Unlock()
	l.persist(snap)
}

// Snapshot returns the current snapshot and whether one exists.
func (l *Ledger) Snapshot() (entity.QuotaSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot, l.hasSnapshot
}

// Display returns the remaining count to show, never below zero.
func (l *Ledger) Display() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return max(l.snapshot.Remaining, 0)
}

func (l *Ledger) Severity() Severity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch {
	case !l.known:
		return SeverityUnknown
	case l.snapshot.Remaining <= 0:
		return SeverityExhausted
	case l.snapshot.Remaining <= l.lowThreshold:
		return SeverityLow
	default:
		return SeverityOK
	}
}

// Gate is the advisory pre-submit check. It refuses only when this session
// has a refreshed snapshot that is exhausted; the server decides otherwise.
func (l *Ledger) Gate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.known && l.snapshot.Remaining <= 0 {
		return fmt.Errorf("no generations left: %w", errs.ErrQuotaExhausted)
	}
	return nil
}

// SubmitApplication files a request for more quota carrying the current
// snapshot.
func (l *Ledger) SubmitApplication(ctx context.Context, email, reason, feedback string) (entity.QuotaApplication, error) {
	email, reason = strings.TrimSpace(email), strings.TrimSpace(reason)
	if email == "" || reason == "" {
		return entity.QuotaApplication{}, fmt.Errorf("email and reason are required: %w", errs.ErrInvalidInput)
	}
	l.mu.RLock()
	snap := l.snapshot
	l.mu.RUnlock()

	app, err := l.remote.SubmitQuotaApplication(ctx, entity.QuotaApplicationRequest{
		Email:          email,
		Reason:         reason,
		Feedback:       strings.TrimSpace(feedback),
		QuotaRemaining: snap.Remaining,
		QuotaUsed:      snap.Used,
	})
	if err != nil {
		return entity.QuotaApplication{}, fmt.Errorf("submit quota application: %w", err)
	}
	l.log.WithField("application_id", app.ID).Info("quota application submitted")
	return app, nil
}

// Reset forgets the snapshot and re-arms the automatic refresh.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.snapshot = entity.QuotaSnapshot{}
	l.hasSnapshot = false
	l.known = false
	l.mu.Unlock()
	l.auto.Reset()
	if l.coll == nil {
		return nil
	}
	return l.coll.Clear(ctx)
}

func (l *Ledger) persist(snap entity.QuotaSnapshot) {
	if l.coll == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), 5*time.Second)
	defer cancel()
	if err := l.coll.Put(ctx, snap); err != nil {
		l.log.WithError(err).Warn("failed to persist quota snapshot")
	}
}
