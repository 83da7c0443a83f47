package pgq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/domain"
)

func TestPayloadValidate(t *testing.T) {
	cases := []struct {
		name string
		p    pgq.Payload
		ok   bool
	}{
		{"trial ok", pgq.Payload{JobType: pgq.JobTrial, TrialID: "t1-0"}, true},
		{"analysis ok", pgq.Payload{JobType: pgq.JobAnalysis, TrialID: "t1-0"}, true},
		{"verdict ok", pgq.Payload{JobType: pgq.JobVerdict, TaskID: "t1"}, true},
		{"trial missing id", pgq.Payload{JobType: pgq.JobTrial}, false},
		{"verdict missing id", pgq.Payload{JobType: pgq.JobVerdict, TrialID: "t1-0"}, false},
		{"unknown type", pgq.Payload{JobType: "mystery", TrialID: "t1-0"}, false},
		{"empty", pgq.Payload{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := pgq.Payload{JobType: pgq.JobTrial, TrialID: "task-7-3", QueueKey: "openai/gpt-5.2"}
	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := pgq.DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := pgq.DecodePayload([]byte("{not json"))
	assert.Error(t, err)

	_, err = pgq.DecodePayload([]byte(`{"job_type":"trial"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
