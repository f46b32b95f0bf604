// Package version watches the build id served by the backend and tells the
// session when the running build is out of date.
package version

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"productshot/internal/client/latch"

	"github.com/sirupsen/logrus"
)

// Remote reports the build id currently served.
type Remote interface {
	GetBuildVersion(ctx context.Context) (string, error)
}

// Hook runs when a new build is applied, typically to drop cached state
// written by the old build.
type Hook func(ctx context.Context) error

// Sentinel compares the embedded build id with the served one on an
// interval. The first mismatch of a session raises the update flag; it is
// never raised twice.
type Sentinel struct {
	remote    Remote
	embedded  string
	interval  time.Duration
	autoApply bool
	log       *logrus.Entry

	available latch.Flag
	dismissed atomic.Bool
	applied   latch.Once
	updated   atomic.Bool

	mu     sync.Mutex
	served string
	hooks  []Hook

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewSentinel builds a sentinel for the embedded build id. An empty id
// disables detection.
func NewSentinel(remote Remote, embedded string, interval time.Duration, autoApply bool) *Sentinel {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sentinel{
		remote:    remote,
		embedded:  embedded,
		interval:  interval,
		autoApply: autoApply,
		log:       logrus.WithField("component", "version"),
	}
}

// OnInvalidate registers a hook run by Apply.
func (s *Sentinel) OnInvalidate(h Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Check compares builds once and reports whether a newer build has been
// seen this session. Endpoint failures count as "no update".
func (s *Sentinel) Check(ctx context.Context) bool {
	if s.embedded == "" {
		return false
	}
	served, err := s.remote.GetBuildVersion(ctx)
	if err != nil {
		s.log.WithError(err).Debug("version check failed")
		return s.available.IsSet()
	}
	if served == "" || served == s.embedded {
		return s.available.IsSet()
	}

	s.mu.Lock()
	s.served = served
	s.mu.Unlock()
	if s.available.Trip() {
		s.log.WithFields(logrus.Fields{
			"running_build": s.embedded,
			"served_build":  served,
		}).Info("new build available")
	}
	return true
}

// UpdateAvailable reports whether the update notice should be shown. It
// stays false after the notice is dismissed or the update applied.
func (s *Sentinel) UpdateAvailable() bool {
	return s.available.IsSet() && !s.dismissed.Load() && !s.updated.Load()
}

// Dismiss hides the notice for the rest of the session.
func (s *Sentinel) Dismiss() {
	s.dismissed.Store(true)
}

// ServedVersion returns the newer build id seen, if any.
func (s *Sentinel) ServedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Apply runs the invalidation hooks once a newer build was seen. Hooks run
// at most once per session; ran reports whether this call ran them.
func (s *Sentinel) Apply(ctx context.Context) (ran bool, err error) {
	if !s.available.IsSet() {
		return false, nil
	}
	return s.applied.Do(func() error {
		s.mu.Lock()
		hooks := append([]Hook(nil), s.hooks...)
		s.mu.Unlock()

		var hookErrs []error
		for _, h := range hooks {
			if err := h(ctx); err != nil {
				hookErrs = append(hookErrs, err)
			}
		}
		if err := errors.Join(hookErrs...); err != nil {
			s.log.WithError(err).Warn("failed to apply new build")
			return err
		}
		s.updated.Store(true)
		s.log.WithField("served_build", s.ServedVersion()).Info("applied new build")
		return nil
	})
}

// OnRouteChange is called on navigation. With auto-apply enabled a pending
// update is applied silently.
func (s *Sentinel) OnRouteChange(ctx context.Context) (bool, error) {
	if !s.autoApply {
		return false, nil
	}
	return s.Apply(ctx)
}

// Start checks immediately and then on every interval until ctx is done.
// Calling Start while the loop runs does nothing.
func (s *Sentinel) Start(ctx context.Context) {
	if s.embedded == "" || !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				checkCtx, cancel := context.WithTimeout(ctx, s.interval)
				s.Check(checkCtx)
				cancel()
				timer.Reset(s.interval)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has returned.
func (s *Sentinel) Wait() {
	s.wg.Wait()
}
