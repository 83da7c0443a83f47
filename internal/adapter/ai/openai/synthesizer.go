package openai

import (
	"encoding/json"
	"fmt"

	"github.com/oddish-run/oddish/internal/domain"
)

const verdictSystemPrompt = `You are synthesizing a task-level verdict from per-trial classifications of
the same task. Decide whether the task itself is sound (is_good), your
confidence (0-100), the primary issue if any, and concrete recommendations.
Respond with a single JSON object: {"is_good", "confidence", "primary_issue",
"recommendations"}.`

// Synthesizer folds classifications into a verdict using the configured
// verdict model. Counts are computed locally; only the narrative comes from
// the model.
type Synthesizer struct {
	Client *Client
	Model  string
}

// NewSynthesizer constructs a Synthesizer using model for every call.
func NewSynthesizer(client *Client, model string) *Synthesizer {
	return &Synthesizer{Client: client, Model: model}
}

// Synthesize asks the model for the narrative verdict and overlays the
// locally computed label counts.
func (s *Synthesizer) Synthesize(ctx domain.Context, cs []domain.Classification) (domain.Verdict, error) {
	input, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("op=ai.verdict encode: %w", err)
	}
	raw, err := s.Client.ChatJSON(ctx, "verdict", s.Model, verdictSystemPrompt, string(input))
	if err != nil {
		return domain.Verdict{}, err
	}
	var v domain.Verdict
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &v); err != nil {
		return domain.Verdict{}, fmt.Errorf("op=ai.verdict decode: %w", err)
	}
	counts := CountLabels(cs)
	v.TaskProblemCount = counts.TaskProblems
	v.AgentProblemCount = counts.AgentProblems
	v.SuccessCount = counts.Successes
	v.HarnessErrorCount = counts.HarnessErrors
	return v, nil
}

// LabelCounts buckets classifications for the verdict.
type LabelCounts struct {
	TaskProblems  int
	AgentProblems int
	Successes     int
	HarnessErrors int
}

// CountLabels tallies classification labels: BAD_* are task problems,
// GOOD_FAILURE is an agent problem, GOOD_SUCCESS is a success.
func CountLabels(cs []domain.Classification) LabelCounts {
	var c LabelCounts
	for _, x := range cs {
		switch x.Classification {
		case domain.BadSuccess, domain.BadFailure:
			c.TaskProblems++
		case domain.GoodFailure:
			c.AgentProblems++
		case domain.GoodSuccess:
			c.Successes++
		case domain.HarnessError:
			c.HarnessErrors++
		}
	}
	return c
}
