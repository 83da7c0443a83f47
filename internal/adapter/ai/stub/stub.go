// Package stub provides deterministic classifier and synthesizer
// implementations for development and tests.
package stub

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/oddish-run/oddish/internal/domain"
)

// Classifier derives a classification from the trial's result.json without
// calling any model: reward 1 is a success, reward 0 a failure, a missing or
// unreadable result a harness error.
type Classifier struct{}

// Classify implements domain.TrialClassifier.
func (Classifier) Classify(_ domain.Context, _, trialDir string) (domain.Classification, error) {
	raw, err := os.ReadFile(filepath.Join(trialDir, "result.json"))
	if err != nil {
		return domain.Classification{
			Classification: domain.HarnessError,
			Subtype:        "missing_result",
			Evidence:       "result.json not found in trial artifacts",
		}, nil
	}
	var result struct {
		Reward *int `json:"reward"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Reward == nil {
		return domain.Classification{
			Classification: domain.HarnessError,
			Subtype:        "unreadable_result",
			Evidence:       "result.json present but carried no reward",
		}, nil
	}
	label := domain.GoodFailure
	if *result.Reward == 1 {
		label = domain.GoodSuccess
	}
	return domain.Classification{
		Classification: label,
		Subtype:        "stubbed",
		Reward:         result.Reward,
	}, nil
}

// Synthesizer votes on the classifications: the task is good when successes
// plus agent problems outnumber task problems.
type Synthesizer struct{}

// Synthesize implements domain.VerdictSynthesizer.
func (Synthesizer) Synthesize(_ domain.Context, cs []domain.Classification) (domain.Verdict, error) {
	var v domain.Verdict
	for _, c := range cs {
		switch c.Classification {
		case domain.BadSuccess, domain.BadFailure:
			v.TaskProblemCount++
		case domain.GoodFailure:
			v.AgentProblemCount++
		case domain.GoodSuccess:
			v.SuccessCount++
		case domain.HarnessError:
			v.HarnessErrorCount++
		}
	}
	v.IsGood = v.SuccessCount+v.AgentProblemCount >= v.TaskProblemCount
	v.Confidence = 50
	if len(cs) > 0 {
		v.Confidence = 100 * (v.SuccessCount + v.AgentProblemCount) / len(cs)
	}
	if v.TaskProblemCount > 0 {
		v.PrimaryIssue = "task or verifier defects reported"
	}
	return v, nil
}
