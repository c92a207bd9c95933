package protocol

import "time"

// Inbound frame types (dispatch -> agent)
const (
	FrameNewJob          = "new_job"
	FrameJobUpdate       = "job_update"
	FrameJobStatusUpdate = "job_status_update"
	FrameJobTaken        = "job_taken"
	FrameJobExpired      = "job_expired"
	FrameJobCancelled    = "job_cancelled"
)

// Decision statuses carried on outbound job_status_update frames and the
// REST status endpoints.
const (
	StatusAccepted  = "ACCEPTED"
	StatusRejected  = "REJECTED"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

// Reject reasons
const (
	ReasonTimeout = "timeout"
	ReasonBusy    = "busy"
)

// Availability is the server-confirmed worker state.
type Availability string

const (
	Offline Availability = "OFFLINE"
	Online  Availability = "ONLINE"
	Working Availability = "WORKING"
)

// CloseNormal is the close code reserved for intentional, supervisor-initiated
// disconnects. Any other close code counts as unexpected and is eligible for
// reconnection.
const CloseNormal = 1000

// JobOffer is a dispatched job proposal awaiting a worker decision.
type JobOffer struct {
	ID          string    `json:"id"`
	CustomerRef string    `json:"customer_ref"`
	VehicleType string    `json:"vehicle_type"`
	Problem     string    `json:"problem_description"`
	LocationRef string    `json:"location_ref"`
	OfferedAt   Timestamp `json:"offered_at"`
}

// WorkerStatus is the server-authoritative availability of the worker.
// Verified gates whether the worker may go online at all.
type WorkerStatus struct {
	Status   Availability `json:"status"`
	Verified bool         `json:"verified"`
}

// NewJobFrame delivers a fresh offer.
type NewJobFrame struct {
	Type           string   `json:"type"`
	ServiceRequest JobOffer `json:"service_request"`
}

// JobUpdateFrame mutates fields of the active job or offer.
type JobUpdateFrame struct {
	Type string   `json:"type"`
	Job  JobOffer `json:"job"`
}

// JobTakenFrame signals another worker got the job first.
type JobTakenFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobClosedFrame signals the offer expired server-side or the request was
// cancelled. Message is only set for dispatch-initiated cancellations.
type JobClosedFrame struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// StatusUpdateFrame is the outbound decision notice (agent -> dispatch).
type StatusUpdateFrame struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NewStatusUpdate builds an outbound decision frame.
func NewStatusUpdate(jobID, status, reason string) StatusUpdateFrame {
	return StatusUpdateFrame{
		Type:   FrameJobStatusUpdate,
		JobID:  jobID,
		Status: status,
		Reason: reason,
	}
}

// Timestamp is a string representation of time in RFC3339 format, with
// helper methods for conversion to/from time.Time.
type Timestamp string

// Time parses the timestamp string into time.Time.
// Returns zero time if the string is empty or invalid.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// IsZero returns true if the timestamp is empty or represents zero time.
func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

// String returns the string representation.
func (t Timestamp) String() string {
	return string(t)
}

// NewTimestamp creates a Timestamp from time.Time.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.Format(time.RFC3339))
}

// TimestampNow returns the current time as a Timestamp.
func TimestampNow() Timestamp {
	return NewTimestamp(time.Now())
}
