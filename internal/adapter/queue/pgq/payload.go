package pgq

import (
	"encoding/json"
	"fmt"

	"github.com/oddish-run/oddish/internal/domain"
)

// JobType labels what a queue row asks a worker to do.
type JobType string

const (
	JobTrial    JobType = "trial"
	JobAnalysis JobType = "analysis"
	JobVerdict  JobType = "verdict"
)

// Payload is the JSON body of a queue row. Trial and analysis jobs carry a
// trial id; verdict jobs carry a task id.
type Payload struct {
	JobType  JobType `json:"job_type"`
	TrialID  string  `json:"trial_id,omitempty"`
	TaskID   string  `json:"task_id,omitempty"`
	QueueKey string  `json:"queue_key,omitempty"`
}

// Validate rejects payloads a handler could not act on. Invalid payloads must
// fail loudly; silently succeeding would leak jobs.
func (p Payload) Validate() error {
	switch p.JobType {
	case JobTrial, JobAnalysis:
		if p.TrialID == "" {
			return fmt.Errorf("op=pgq.payload job_type=%s missing trial_id: %w", p.JobType, domain.ErrInvalidArgument)
		}
	case JobVerdict:
		if p.TaskID == "" {
			return fmt.Errorf("op=pgq.payload job_type=verdict missing task_id: %w", domain.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("op=pgq.payload unknown job_type %q: %w", p.JobType, domain.ErrInvalidArgument)
	}
	return nil
}

// Encode serializes the payload for the bytea column.
func (p Payload) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=pgq.payload.encode: %w", err)
	}
	return b, nil
}

// DecodePayload parses and validates a raw payload.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("op=pgq.payload.decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
