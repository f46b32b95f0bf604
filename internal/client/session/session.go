// Package session wires the client engine for one signed-in user. A Session
// is built at boot, owns every component and one-shot latch of the engine,
// and is torn down with Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"productshot/internal/auth"
	"productshot/internal/client/cache"
	"productshot/internal/client/latch"
	"productshot/internal/client/localstore"
	"productshot/internal/client/quota"
	"productshot/internal/client/remote"
	"productshot/internal/client/task"
	"productshot/internal/client/version"
	"productshot/internal/config"
	"productshot/internal/errs"

	"github.com/sirupsen/logrus"
)

// Session is the client engine of one user.
type Session struct {
	UserID  uint
	Remote  remote.Client
	Store   *localstore.Store
	Cache   *cache.Reconciler
	Quota   *quota.Ledger
	Tasks   *task.Machine
	Version *version.Sentinel

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	started   latch.Once
	closeOnce sync.Once
	bg        sync.WaitGroup
}

// LocalDBPath returns the cache database of userID. Each user gets a file of
// their own so signing in as someone else never shows a stale projection.
func LocalDBPath(cfg config.ClientConfig, userID uint) (string, error) {
	if p := strings.TrimSpace(cfg.LocalDBPath); p != "" {
		return p, nil
	}
	dir, err := StateDir(cfg)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("user-%d.db", userID)), nil
}

// StateDir returns the directory holding the client's files.
func StateDir(cfg config.ClientConfig) (string, error) {
	if d := strings.TrimSpace(cfg.StateDir); d != "" {
		return d, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(base, "productshot"), nil
}

// New builds a session for userID on top of client.
func New(cfg config.ClientConfig, client remote.Client, userID uint) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("remote client is nil: %w", errs.ErrInvalidInput)
	}
	if userID == 0 {
		return nil, fmt.Errorf("session needs a user: %w", errs.ErrUnauthorized)
	}
	dbPath, err := LocalDBPath(cfg, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := localstore.Open(dbPath)
	rec := cache.New(ctx, client, store, cache.Options{
		FullSyncInterval: cfg.FullSyncEvery,
		ClockSkew:        cfg.SyncClockSkew,
		SyncTimeout:      cfg.SyncTimeout,
	})
	ledger := quota.NewLedger(ctx, client, store, cfg.QuotaLowThreshold)
	s := &Session{
		UserID: userID,
		Remote: client,
		Store:  store,
		Cache:  rec,
		Quota:  ledger,
		Tasks: task.NewMachine(client, rec, ledger, task.PollConfig{
			Interval:    cfg.PollInterval,
			MaxInterval: cfg.PollMaxInterval,
			MaxWait:     cfg.PollMaxWait,
		}),
		Version: version.NewSentinel(client, cfg.BuildVersion, cfg.VersionCheckInterval, cfg.AutoApplyUpdate),
		ctx:     ctx,
		cancel:  cancel,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"user_id":   userID,
		}),
	}
	s.Version.OnInvalidate(s.invalidate)
	return s, nil
}

// NewFromConfig builds the HTTP client from cfg and scopes the session to
// the user named by cfg.Token.
func NewFromConfig(cfg config.ClientConfig) (*Session, *remote.HTTPClient, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, nil, fmt.Errorf("not signed in: %w", errs.ErrUnauthorized)
	}
	claims, err := auth.InspectToken(cfg.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("read token: %w: %w", errs.ErrUnauthorized, err)
	}
	client, err := remote.NewHTTPClient(remote.Options{
		BaseURL:        cfg.APIBaseURL,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		RequestBurst:   cfg.RequestBurst,
		ReadRetries:    cfg.ReadRetries,
		ReadRetryBase:  cfg.ReadRetryBase,
	})
	if err != nil {
		return nil, nil, err
	}
	s, err := New(cfg, client, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return s, client, nil
}

// Context is cancelled by Close.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Start loads the local cache, reconciles it with the server, triggers the
// session's automatic quota refresh and starts the version sentinel. Failures
// degrade: a missing store means no cache, an unreachable server means the
// cached projection is shown. Start runs once per session.
func (s *Session) Start(ctx context.Context) error {
	_, err := s.started.Do(func() error {
		if err := s.Cache.LoadFromLocal(ctx); err != nil {
			s.log.WithError(err).Warn("starting without local cache")
		}
		if err := s.Quota.Load(ctx); err != nil {
			s.log.WithError(err).Debug("no persisted quota snapshot")
		}
		if err := s.Cache.Sync(ctx); err != nil {
			s.log.WithError(err).Warn("initial sync failed, showing cached data")
		}
		s.autoRefreshQuota()
		s.Version.Start(s.ctx)
		return s.ctx.Err()
	})
	return err
}

func (s *Session) autoRefreshQuota() {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.Quota.AutoRefresh(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).Warn("automatic quota refresh failed")
		}
	}()
}

// WaitIdle blocks until background work started by the session so far has
// finished. The version loop is not included.
func (s *Session) WaitIdle() {
	s.bg.Wait()
	s.Quota.Wait()
}

// invalidate drops everything the previous build cached and rebuilds it.
func (s *Session) invalidate(ctx context.Context) error {
	s.log.WithField("served_build", s.Version.ServedVersion()).Info("clearing cache for new build")
	resetErr := errors.Join(s.Cache.Reset(ctx), s.Quota.Reset(ctx))

	if err := s.Cache.LoadFromLocal(ctx); err != nil {
		s.log.WithError(err).Warn("reload after invalidation failed")
	}
	if err := s.Cache.Sync(ctx); err != nil {
		s.log.WithError(err).Warn("sync after invalidation failed")
	}
	s.autoRefreshQuota()
	return resetErr
}

// Close cancels background work and closes the local store.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.bg.Wait()
		s.Quota.Wait()
		s.Version.Wait()
		err = s.Store.Close()
		s.log.Debug("session closed")
	})
	return err
}
