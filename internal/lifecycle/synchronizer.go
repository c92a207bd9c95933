package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/man-navlakha/mechanic-agent/internal/logging"
	"github.com/man-navlakha/mechanic-agent/internal/protocol"
	"github.com/man-navlakha/mechanic-agent/internal/status"
)

// ErrNotVerified rejects availability toggles for unverified workers.
var ErrNotVerified = errors.New("worker not verified")

const finishWait = 10 * time.Second

// StatusAPI is the REST subset the synchronizer drives.
type StatusAPI interface {
	FetchStatus(ctx context.Context) (protocol.WorkerStatus, error)
	SetAvailability(ctx context.Context, status protocol.Availability) error
	SendAvailabilityBeacon(status protocol.Availability, report func(error))
}

// ConnectionManager is the supervisor surface the synchronizer may drive.
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect()
	ReArm(ctx context.Context) error
}

// JobCache is the durable state consulted on mount.
type JobCache interface {
	LoadJob() (*protocol.JobOffer, error)
	SetIntendedOnline(online bool) error
}

// Notifier is the presentation boundary for session-level events.
type Notifier interface {
	NavigateToLogin()
	Notice(msg string)
}

// Options configures a Synchronizer.
type Options struct {
	API      StatusAPI
	Status   *status.Store
	Cache    JobCache
	Conns    ConnectionManager
	Notifier Notifier
	Logger   *logging.Logger
	// Resume restores a persisted in-progress job on mount.
	Resume func(offer protocol.JobOffer)
}

// Synchronizer reconciles the worker's intended availability with the
// server-confirmed one across mounts, visibility changes, and session
// expiry. It is the only writer of the intended-online flag and the only
// component that issues status-change requests.
type Synchronizer struct {
	api      StatusAPI
	status   *status.Store
	cache    JobCache
	conns    ConnectionManager
	notifier Notifier
	logger   *logging.Logger
	resume   func(offer protocol.JobOffer)

	mu       sync.Mutex
	intended bool
}

// New creates a synchronizer. Call Init before use.
func New(opts Options) *Synchronizer {
	return &Synchronizer{
		api:      opts.API,
		status:   opts.Status,
		cache:    opts.Cache,
		conns:    opts.Conns,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		resume:   opts.Resume,
	}
}

// IntendedOnline returns the worker's desired availability. The supervisor
// reads it to decide whether an unexpected disconnect should reconnect.
func (s *Synchronizer) IntendedOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intended
}

func (s *Synchronizer) setIntended(online bool) {
	s.mu.Lock()
	s.intended = online
	s.mu.Unlock()
	if err := s.cache.SetIntendedOnline(online); err != nil {
		s.logf("persisting intended flag: %v", err)
	}
}

// Init runs the mount sequence: fetch the server-confirmed status, resume a
// persisted in-progress job if one exists (intended stays offline during an
// active job), otherwise derive the intended flag and connect if online.
func (s *Synchronizer) Init(ctx context.Context) error {
	ws, err := s.api.FetchStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch worker status: %w", err)
	}
	s.status.Set(ws)

	job, err := s.cache.LoadJob()
	if err != nil {
		s.logf("loading persisted job: %v", err)
	}
	if job != nil {
		s.setIntended(false)
		s.logf("resuming in-progress job %s", job.ID)
		if s.resume != nil {
			s.resume(*job)
		}
		// The socket still carries job updates for the resumed job.
		s.conns.Connect(ctx)
		return nil
	}

	intended := ws.Status == protocol.Online && ws.Verified
	s.setIntended(intended)
	if intended {
		s.conns.Connect(ctx)
	}
	return nil
}

// Toggle handles an explicit availability change from the worker. Unverified
// workers are rejected outright; otherwise the local state only flips after
// the server confirms, so a failed call cannot cause drift.
func (s *Synchronizer) Toggle(ctx context.Context, wantOnline bool) error {
	if !s.status.Get().Verified {
		s.notifier.Notice("account must be verified before going online")
		return ErrNotVerified
	}

	target := protocol.Offline
	if wantOnline {
		target = protocol.Online
	}
	if err := s.api.SetAvailability(ctx, target); err != nil {
		return fmt.Errorf("set availability %s: %w", target, err)
	}

	s.status.SetAvailability(target)
	s.setIntended(wantOnline)
	if wantOnline {
		// Also resets a supervisor frozen after exhausted reconnects.
		s.conns.ReArm(ctx)
	} else {
		s.conns.Disconnect()
	}
	return nil
}

// JobStarted drops the intended flag after an acceptance so no further
// offers arrive mid-job. The socket stays up for job updates.
func (s *Synchronizer) JobStarted(offer protocol.JobOffer) {
	s.setIntended(false)
}

// JobFinished restores availability once the accepted job ends. Best-effort:
// a failure leaves the worker offline for a manual toggle.
func (s *Synchronizer) JobFinished() {
	ctx, cancel := context.WithTimeout(context.Background(), finishWait)
	defer cancel()

	if !s.status.Get().Verified {
		return
	}
	if err := s.api.SetAvailability(ctx, protocol.Online); err != nil {
		s.logf("restoring ONLINE after job: %v", err)
		return
	}
	s.status.SetAvailability(protocol.Online)
	s.setIntended(true)
	s.conns.ReArm(ctx)
}

// VisibilityHidden handles the page going to background. A worker mid-job is
// never taken offline by tab-switching; otherwise an intended-online worker
// is reported OFFLINE via the beacon path, which survives page teardown.
// The intended flag is kept so a later show re-asserts ONLINE.
func (s *Synchronizer) VisibilityHidden() {
	if s.status.Working() {
		return
	}
	if !s.IntendedOnline() {
		return
	}
	s.api.SendAvailabilityBeacon(protocol.Offline, func(err error) {
		if err != nil {
			s.logf("offline beacon: %v", err)
		}
	})
}

// VisibilityVisible re-asserts ONLINE and reconciles server-side drift that
// happened while hidden.
func (s *Synchronizer) VisibilityVisible(ctx context.Context) {
	s.reconcile(ctx)
}

// PageShow handles a page restored from cache, which skips the normal mount.
func (s *Synchronizer) PageShow(ctx context.Context) {
	s.reconcile(ctx)
}

func (s *Synchronizer) reconcile(ctx context.Context) {
	if !s.IntendedOnline() {
		return
	}
	if err := s.api.SetAvailability(ctx, protocol.Online); err != nil {
		s.logf("re-asserting ONLINE: %v", err)
	} else {
		s.status.SetAvailability(protocol.Online)
	}
	if ws, err := s.api.FetchStatus(ctx); err == nil {
		s.status.Set(ws)
	} else {
		s.logf("status refetch: %v", err)
	}
	s.conns.Connect(ctx)
}

// Reconnected refetches the server-confirmed status after a successful
// handshake, reconciling drift accumulated while the socket was down.
func (s *Synchronizer) Reconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), finishWait)
	defer cancel()
	ws, err := s.api.FetchStatus(ctx)
	if err != nil {
		s.logf("post-reconnect status fetch: %v", err)
		return
	}
	s.status.Set(ws)
}

// Unauthorized is the 401 path: straight to the login boundary, no retry.
func (s *Synchronizer) Unauthorized() {
	s.logf("session expired, redirecting to login")
	s.notifier.NavigateToLogin()
}

func (s *Synchronizer) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Infof(format, args...)
	}
}
