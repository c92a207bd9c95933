package offer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/man-navlakha/mechanic-agent/internal/delivery"
	"github.com/man-navlakha/mechanic-agent/internal/logging"
	"github.com/man-navlakha/mechanic-agent/internal/protocol"
	"github.com/man-navlakha/mechanic-agent/internal/status"
)

// State of the job offer machine.
type State int

const (
	Idle State = iota
	Offered
	Accepting
	Accepted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offered:
		return "offered"
	case Accepting:
		return "accepting"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

var (
	// ErrNotOffered means no offer is awaiting a decision.
	ErrNotOffered = errors.New("no offer awaiting decision")
	// ErrNoActiveJob means no accepted job is in progress.
	ErrNoActiveJob = errors.New("no job in progress")
	// ErrOfferGone means the offer was withdrawn while a decision call was
	// in flight.
	ErrOfferGone = errors.New("offer withdrawn")
)

const (
	defaultWindow  = 30 * time.Second
	decisionIOWait = 10 * time.Second
)

// AcceptAPI is the REST subset the machine needs for acceptance.
type AcceptAPI interface {
	AcceptJob(ctx context.Context, jobID string) error
	SetAvailability(ctx context.Context, status protocol.Availability) error
}

// Deliverer reports decisions socket-first per the delivery policy table.
type Deliverer interface {
	Deliver(ctx context.Context, decision delivery.Decision, jobID, reason string) (delivery.Channel, error)
}

// JobCache is the durable mirror of the accepted job.
type JobCache interface {
	SaveJob(offer protocol.JobOffer) error
	ClearJob() error
}

// Notifier is implemented by the presentation boundary.
type Notifier interface {
	// OfferReceived shows a fresh offer with its countdown.
	OfferReceived(offer protocol.JobOffer)
	// OfferClosed silently clears the offer view (reject, expiry, take-over).
	OfferClosed(jobID string)
	// OfferCancelledByDispatch is a worker-visible notice.
	OfferCancelledByDispatch(jobID, message string)
	// JobStarted navigates to the job-in-progress view.
	JobStarted(offer protocol.JobOffer)
	// AcceptFailed surfaces a failed acceptance; the offer stays live with a
	// fresh countdown.
	AcceptFailed(jobID string, err error)
}

// Options configures a Machine.
type Options struct {
	API      AcceptAPI
	Deliver  Deliverer
	Cache    JobCache
	Status   *status.Store
	Notifier Notifier
	Logger   *logging.Logger
	// Window is the decision countdown (default 30s).
	Window time.Duration
	// OnAccepted runs after a successful acceptance, before the WORKING
	// status update. The lifecycle synchronizer uses it to drop the
	// intended-online flag so no further offers arrive mid-job.
	OnAccepted func(offer protocol.JobOffer)
	// OnJobFinished runs after the accepted job ends (complete, cancel, or
	// dispatch withdrawal) so availability can be restored.
	OnJobFinished func()
}

// Machine enforces the single-active-offer invariant and the bounded
// decision window. It is the only writer of offer state and of the decision
// timer; for a given offer exactly one of accept/reject/timeout/withdraw
// wins, enforced by the window generation check.
type Machine struct {
	api           AcceptAPI
	deliver       Deliverer
	cache         JobCache
	status        *status.Store
	notifier      Notifier
	logger        *logging.Logger
	window        time.Duration
	onAccepted    func(offer protocol.JobOffer)
	onJobFinished func()

	mu    sync.Mutex
	state State
	offer *protocol.JobOffer
	// windowGen is the cancellation token for the decision timer: bumped on
	// every transition that supersedes it, checked by the timer callback
	// before acting.
	windowGen   int
	windowTimer *time.Timer
}

// New creates an idle machine.
func New(opts Options) *Machine {
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}
	return &Machine{
		api:           opts.API,
		deliver:       opts.Deliver,
		cache:         opts.Cache,
		status:        opts.Status,
		notifier:      opts.Notifier,
		logger:        opts.Logger,
		window:        opts.Window,
		onAccepted:    opts.OnAccepted,
		onJobFinished: opts.OnJobFinished,
	}
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveOffer returns a copy of the active offer, or nil.
func (m *Machine) ActiveOffer() *protocol.JobOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer == nil {
		return nil
	}
	o := *m.offer
	return &o
}

// Resume restores an accepted job from the durable cache after a restart.
// No decision window runs; the job is already claimed.
func (m *Machine) Resume(offer protocol.JobOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return
	}
	o := offer
	m.offer = &o
	m.state = Accepted
}

// OfferReceived handles an inbound new_job frame. A worker mid-job never
// starts a countdown; a second offer while one is pending is rejected with
// reason "busy" and the active offer is untouched.
func (m *Machine) OfferReceived(offer protocol.JobOffer) {
	m.mu.Lock()
	if m.status.Working() {
		m.mu.Unlock()
		m.debugf("dropping offer %s: worker is mid-job", offer.ID)
		return
	}
	if m.state != Idle {
		activeID := m.activeID()
		m.mu.Unlock()
		m.logf("rejecting offer %s: offer %s already active", offer.ID, activeID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), decisionIOWait)
			defer cancel()
			m.deliver.Deliver(ctx, delivery.Reject, offer.ID, protocol.ReasonBusy)
		}()
		return
	}

	o := offer
	m.offer = &o
	m.state = Offered
	m.startWindowLocked()
	m.mu.Unlock()

	m.logf("offer %s received (%s), decision window %s", offer.ID, offer.VehicleType, logging.Duration(m.window))
	m.notifier.OfferReceived(offer)
}

// Accept claims the pending offer. The decision window is cancelled before
// the network call so a near-simultaneous timeout cannot fire a stale reject.
// On failure the offer stays live with a fully restarted window.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Offered || m.offer == nil {
		m.mu.Unlock()
		return ErrNotOffered
	}
	m.cancelWindowLocked()
	m.state = Accepting
	offer := *m.offer
	m.mu.Unlock()

	err := m.api.AcceptJob(ctx, offer.ID)

	m.mu.Lock()
	if m.state != Accepting || m.offer == nil || m.offer.ID != offer.ID {
		// Withdrawn while the call was in flight.
		m.mu.Unlock()
		return ErrOfferGone
	}
	if err != nil {
		m.state = Offered
		m.startWindowLocked()
		m.mu.Unlock()
		m.logf("accept failed for offer %s, window restarted: %v", offer.ID, err)
		m.notifier.AcceptFailed(offer.ID, err)
		return fmt.Errorf("accept job %s: %w", offer.ID, err)
	}
	m.state = Accepted
	m.mu.Unlock()

	// Side effects in server-then-local order: stop receiving offers, report
	// WORKING, persist, then navigate.
	if m.onAccepted != nil {
		m.onAccepted(offer)
	}
	if err := m.api.SetAvailability(ctx, protocol.Working); err != nil {
		m.logf("WORKING status update failed for job %s: %v", offer.ID, err)
	} else {
		m.status.SetAvailability(protocol.Working)
	}
	if err := m.cache.SaveJob(offer); err != nil {
		m.logf("persisting accepted job %s failed: %v", offer.ID, err)
	}
	m.logf("offer %s accepted", offer.ID)
	m.notifier.JobStarted(offer)
	return nil
}

// Reject declines the pending offer. The window is cancelled and the offer
// cleared regardless of delivery outcome; a delivery error is returned for
// the caller to surface.
func (m *Machine) Reject(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state != Offered || m.offer == nil {
		m.mu.Unlock()
		return ErrNotOffered
	}
	m.cancelWindowLocked()
	offer := *m.offer
	m.offer = nil
	m.state = Idle
	m.mu.Unlock()

	m.logf("offer %s rejected (%s)", offer.ID, reason)
	m.notifier.OfferClosed(offer.ID)
	if _, err := m.deliver.Deliver(ctx, delivery.Reject, offer.ID, reason); err != nil {
		return fmt.Errorf("report reject for job %s: %w", offer.ID, err)
	}
	return nil
}

// Complete finishes the accepted job. The job stays active if delivery
// fails, so the caller can retry.
func (m *Machine) Complete(ctx context.Context) error {
	return m.finishJob(ctx, delivery.Complete, "")
}

// CancelJob abandons the accepted job with a reason.
func (m *Machine) CancelJob(ctx context.Context, reason string) error {
	return m.finishJob(ctx, delivery.Cancel, reason)
}

func (m *Machine) finishJob(ctx context.Context, decision delivery.Decision, reason string) error {
	m.mu.Lock()
	if m.state != Accepted || m.offer == nil {
		m.mu.Unlock()
		return ErrNoActiveJob
	}
	offer := *m.offer
	m.mu.Unlock()

	if _, err := m.deliver.Deliver(ctx, decision, offer.ID, reason); err != nil {
		return fmt.Errorf("report job %s end: %w", offer.ID, err)
	}

	m.mu.Lock()
	if m.state == Accepted && m.offer != nil && m.offer.ID == offer.ID {
		m.offer = nil
		m.state = Idle
	}
	m.mu.Unlock()

	if err := m.cache.ClearJob(); err != nil {
		m.logf("clearing persisted job %s failed: %v", offer.ID, err)
	}
	m.logf("job %s finished", offer.ID)
	if m.onJobFinished != nil {
		m.onJobFinished()
	}
	return nil
}

// JobUpdated refreshes fields of the active offer or job. Updates for other
// job IDs are expected races and ignored.
func (m *Machine) JobUpdated(job protocol.JobOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer != nil && m.offer.ID == job.ID {
		j := job
		m.offer = &j
	}
}

// JobTaken discards the offer because another worker claimed it. Silent.
func (m *Machine) JobTaken(jobID string) {
	m.withdraw(jobID, false, "")
}

// JobClosed discards the offer or job after a server-side expiry or
// cancellation. Dispatch-initiated cancellations surface a notice.
func (m *Machine) JobClosed(jobID string, cancelled bool, message string) {
	m.withdraw(jobID, cancelled, message)
}

func (m *Machine) withdraw(jobID string, cancelled bool, message string) {
	m.mu.Lock()
	if m.offer == nil || m.offer.ID != jobID {
		// Decision event for a non-matching job: expected race, no-op.
		m.mu.Unlock()
		return
	}
	m.cancelWindowLocked()
	wasAccepted := m.state == Accepted
	m.offer = nil
	m.state = Idle
	m.mu.Unlock()

	m.logf("job %s withdrawn (cancelled=%v)", jobID, cancelled)
	if wasAccepted {
		if err := m.cache.ClearJob(); err != nil {
			m.logf("clearing persisted job %s failed: %v", jobID, err)
		}
	}
	if cancelled {
		m.notifier.OfferCancelledByDispatch(jobID, message)
	} else {
		m.notifier.OfferClosed(jobID)
	}
	if wasAccepted && m.onJobFinished != nil {
		m.onJobFinished()
	}
}

// expire is the decision window callback. The generation check makes it a
// no-op when any decision beat the timer.
func (m *Machine) expire(gen int) {
	m.mu.Lock()
	if gen != m.windowGen || m.state != Offered || m.offer == nil {
		m.mu.Unlock()
		return
	}
	m.cancelWindowLocked()
	offer := *m.offer
	m.offer = nil
	m.state = Idle
	m.mu.Unlock()

	m.logf("offer %s expired with no decision", offer.ID)
	m.notifier.OfferClosed(offer.ID)

	ctx, cancel := context.WithTimeout(context.Background(), decisionIOWait)
	defer cancel()
	m.deliver.Deliver(ctx, delivery.Timeout, offer.ID, protocol.ReasonTimeout)
}

func (m *Machine) startWindowLocked() {
	m.windowGen++
	gen := m.windowGen
	if m.windowTimer != nil {
		m.windowTimer.Stop()
	}
	m.windowTimer = time.AfterFunc(m.window, func() { m.expire(gen) })
}

func (m *Machine) cancelWindowLocked() {
	m.windowGen++
	if m.windowTimer != nil {
		m.windowTimer.Stop()
		m.windowTimer = nil
	}
}

// activeID is only called with the lock held.
func (m *Machine) activeID() string {
	if m.offer == nil {
		return ""
	}
	return m.offer.ID
}

func (m *Machine) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Infof(format, args...)
	}
}

func (m *Machine) debugf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Debugf(format, args...)
	}
}
