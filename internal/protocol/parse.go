package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame marks a frame whose type discriminator is not part of the
// protocol. Callers are expected to log and discard these, never to treat
// them as fatal.
var ErrUnknownFrame = errors.New("unknown frame type")

// ParseFrame parses an inbound JSON frame and returns the frame type and the
// typed message. Frames with an unrecognized type return ErrUnknownFrame
// (wrapped with the offending type string).
func ParseFrame(data []byte) (string, interface{}, error) {
	// First, extract just the type discriminator
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", nil, err
	}
	if peek.Type == "" {
		return "", nil, errors.New("missing type field")
	}

	switch peek.Type {
	case FrameNewJob:
		var msg NewJobFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", nil, fmt.Errorf("unmarshal new_job: %w", err)
		}
		return peek.Type, &msg, nil

	case FrameJobUpdate, FrameJobStatusUpdate:
		var msg JobUpdateFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", nil, fmt.Errorf("unmarshal %s: %w", peek.Type, err)
		}
		return peek.Type, &msg, nil

	case FrameJobTaken:
		var msg JobTakenFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", nil, fmt.Errorf("unmarshal job_taken: %w", err)
		}
		return peek.Type, &msg, nil

	case FrameJobExpired, FrameJobCancelled:
		var msg JobClosedFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", nil, fmt.Errorf("unmarshal %s: %w", peek.Type, err)
		}
		return peek.Type, &msg, nil

	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownFrame, peek.Type)
	}
}
