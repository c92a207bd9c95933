package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/man-navlakha/mechanic-agent/internal/logging"
	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

// State is the connection lifecycle state. The supervisor is its only writer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send when no socket is open. Callers fall
// back to REST or drop the frame depending on their delivery policy.
var ErrNotConnected = errors.New("socket not connected")

const (
	defaultBaseDelay   = 3 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
	writeTimeout       = 10 * time.Second
)

// TokenSource exchanges the authenticated session for a short-lived
// connection token.
type TokenSource interface {
	WSToken(ctx context.Context) (string, error)
	InvalidateWSToken()
}

// FrameHandler consumes classified inbound dispatch frames.
type FrameHandler interface {
	OfferReceived(offer protocol.JobOffer)
	JobUpdated(job protocol.JobOffer)
	JobTaken(jobID string)
	// JobClosed covers expiry and cancellation; cancelled distinguishes a
	// dispatch-initiated cancellation (worker-visible notice) from a silent
	// expiry or take-over.
	JobClosed(jobID string, cancelled bool, message string)
}

// Options configures a Supervisor. Zero delay/attempt values get defaults.
type Options struct {
	WSBaseURL      string
	Tokens         TokenSource
	Handler        FrameHandler
	IntendedOnline func() bool
	Logger         *logging.Logger
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	// OnConnected runs after every successful handshake, off the connect
	// path. The lifecycle synchronizer uses it to refetch worker status and
	// reconcile drift accumulated while disconnected.
	OnConnected func()
}

// Supervisor owns the persistent dispatch socket: handshake, inbound frame
// routing, close classification, and the bounded reconnection policy. Nothing
// else may close or reassign the connection.
type Supervisor struct {
	wsBaseURL   string
	tokens      TokenSource
	handler     FrameHandler
	intended    func() bool
	logger      *logging.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	onConnected func()

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	retryTimer *time.Timer
	// gen invalidates callbacks from superseded connections: Disconnect and
	// every new Connect bump it, so a stale read loop or retry timer becomes
	// a no-op.
	gen int
}

// New creates a supervisor. It does not connect.
func New(opts Options) *Supervisor {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	intended := opts.IntendedOnline
	if intended == nil {
		intended = func() bool { return false }
	}
	return &Supervisor{
		wsBaseURL:   opts.WSBaseURL,
		tokens:      opts.Tokens,
		handler:     opts.Handler,
		intended:    intended,
		logger:      opts.Logger,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		maxAttempts: opts.MaxAttempts,
		onConnected: opts.OnConnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the reconnect counter.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect establishes the socket. Idempotent: a no-op while connecting or
// connected. Token retrieval failure lands in Errored without retrying;
// transport failures go through the reconnection policy.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.stopRetryLocked()
	s.state = Connecting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	token, err := s.tokens.WSToken(ctx)
	if err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.state = Errored
		}
		s.mu.Unlock()
		s.logf("ws token fetch failed: %v", err)
		return fmt.Errorf("fetch ws token: %w", err)
	}

	wsURL := s.wsBaseURL + "/ws/job_notifications/?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		// A rejected handshake may mean the token went stale in flight.
		s.tokens.InvalidateWSToken()
		s.handleDisconnect(gen, -1)
		return fmt.Errorf("dial dispatch socket: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	s.conn = conn
	s.state = Connected
	s.attempts = 0
	s.mu.Unlock()

	s.logf("dispatch socket connected")
	go s.readLoop(gen, conn)
	if s.onConnected != nil {
		go s.onConnected()
	}
	return nil
}

// Disconnect closes the socket with a normal-closure code. It never schedules
// a reconnection, regardless of intended state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.stopRetryLocked()
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.logf("dispatch socket disconnected")
	}
}

// ReArm resets the reconnect counter and connects. Called when the worker's
// intended state flips back to online after the supervisor froze in Errored.
func (s *Supervisor) ReArm(ctx context.Context) error {
	s.mu.Lock()
	s.stopRetryLocked()
	s.attempts = 0
	if s.state == Errored {
		s.state = Disconnected
	}
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Send writes a frame over the live socket. Returns ErrNotConnected when no
// socket is open; it never queues.
func (s *Supervisor) Send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Supervisor) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			code := int(websocket.CloseStatus(err))
			s.handleDisconnect(gen, code)
			return
		}
		s.route(data)
	}
}

// handleDisconnect classifies a closure and drives the backoff policy.
// code -1 means the transport failed without a close frame (dial error,
// dropped TCP); any code other than 1000 counts as unexpected.
func (s *Supervisor) handleDisconnect(gen, code int) {
	s.mu.Lock()
	if gen != s.gen {
		// Superseded by Disconnect or a newer Connect.
		s.mu.Unlock()
		return
	}
	s.conn = nil

	if code == protocol.CloseNormal {
		s.state = Disconnected
		s.mu.Unlock()
		s.logf("socket closed normally")
		return
	}

	if !s.intended() {
		s.state = Disconnected
		s.mu.Unlock()
		s.logf("socket lost (code %d), worker offline, not reconnecting", code)
		return
	}

	if s.attempts >= s.maxAttempts {
		s.state = Errored
		s.mu.Unlock()
		s.logf("socket lost (code %d), reconnect attempts exhausted (%d)", code, s.maxAttempts)
		return
	}

	s.attempts++
	delay := s.delayFor(s.attempts)
	s.state = Disconnected
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := gen != s.gen
		s.retryTimer = nil
		s.mu.Unlock()
		if stale {
			return
		}
		s.Connect(context.Background())
	})
	attempt := s.attempts
	s.mu.Unlock()

	s.logf("socket lost (code %d), reconnecting in %s (attempt %d/%d)",
		code, logging.Duration(delay), attempt, s.maxAttempts)
}

// delayFor returns the backoff before the given attempt: linear in the
// attempt number, capped.
func (s *Supervisor) delayFor(attempt int) time.Duration {
	delay := time.Duration(attempt) * s.baseDelay
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	return delay
}

func (s *Supervisor) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) route(data []byte) {
	typ, msg, err := protocol.ParseFrame(data)
	if err != nil {
		// Protocol errors are logged and discarded, never fatal.
		s.debugf("discarding frame: %v", err)
		return
	}

	switch typ {
	case protocol.FrameNewJob:
		s.handler.OfferReceived(msg.(*protocol.NewJobFrame).ServiceRequest)
	case protocol.FrameJobUpdate, protocol.FrameJobStatusUpdate:
		s.handler.JobUpdated(msg.(*protocol.JobUpdateFrame).Job)
	case protocol.FrameJobTaken:
		s.handler.JobTaken(msg.(*protocol.JobTakenFrame).JobID)
	case protocol.FrameJobExpired:
		frame := msg.(*protocol.JobClosedFrame)
		s.handler.JobClosed(frame.JobID, false, frame.Message)
	case protocol.FrameJobCancelled:
		frame := msg.(*protocol.JobClosedFrame)
		s.handler.JobClosed(frame.JobID, true, frame.Message)
	}
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Infof(format, args...)
	}
}

func (s *Supervisor) debugf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debugf(format, args...)
	}
}
