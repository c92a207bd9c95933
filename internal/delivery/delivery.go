package delivery

import (
	"context"

	"github.com/man-navlakha/mechanic-agent/internal/logging"
	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

// Channel reports which path carried a decision.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelSocket
	ChannelREST
)

func (c Channel) String() string {
	switch c {
	case ChannelSocket:
		return "socket"
	case ChannelREST:
		return "rest"
	default:
		return "none"
	}
}

// Decision is the kind of outbound job decision being delivered.
type Decision int

const (
	Reject Decision = iota
	Timeout
	Complete
	Cancel
)

type policy struct {
	status       string
	restFallback bool
}

// Delivery policy per decision kind. Timeout is the one fire-and-forget
// case: an expired offer is no longer actionable server-side, so there is
// nothing a REST retry could fix.
var policies = map[Decision]policy{
	Reject:   {protocol.StatusRejected, true},
	Timeout:  {protocol.StatusRejected, false},
	Complete: {protocol.StatusCompleted, true},
	Cancel:   {protocol.StatusCancelled, true},
}

// SocketSender is the read-only view of the supervisor's socket.
type SocketSender interface {
	Send(v interface{}) error
}

// RestFallback is the subset of the REST API used when the socket is down.
type RestFallback interface {
	UpdateJobStatus(ctx context.Context, jobID, status, reason string) error
	CompleteJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID, reason string) error
}

// Deliverer sends job decisions socket-first with a per-decision REST
// fallback policy.
type Deliverer struct {
	socket SocketSender
	rest   RestFallback
	logger *logging.Logger
}

func New(socket SocketSender, rest RestFallback, logger *logging.Logger) *Deliverer {
	return &Deliverer{socket: socket, rest: rest, logger: logger}
}

// Deliver reports a decision for jobID and returns the channel that carried
// it. Fire-and-forget decisions return ChannelNone with a nil error when both
// the socket is down and policy forbids a fallback.
func (d *Deliverer) Deliver(ctx context.Context, decision Decision, jobID, reason string) (Channel, error) {
	pol := policies[decision]

	frame := protocol.NewStatusUpdate(jobID, pol.status, reason)
	if err := d.socket.Send(frame); err == nil {
		return ChannelSocket, nil
	}

	if !pol.restFallback {
		d.debugf("socket down, dropping best-effort %s notice for job %s", pol.status, jobID)
		return ChannelNone, nil
	}

	var err error
	switch decision {
	case Complete:
		err = d.rest.CompleteJob(ctx, jobID)
	case Cancel:
		err = d.rest.CancelJob(ctx, jobID, reason)
	default:
		err = d.rest.UpdateJobStatus(ctx, jobID, pol.status, reason)
	}
	if err != nil {
		return ChannelNone, err
	}
	return ChannelREST, nil
}

func (d *Deliverer) debugf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Debugf(format, args...)
	}
}
