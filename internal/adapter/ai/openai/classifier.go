package openai

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oddish-run/oddish/internal/domain"
)

const classifySystemPrompt = `You are a meticulous evaluation analyst. You are given the materials of one
sandboxed trial: the task definition and the trial's outputs. Classify the
trial outcome as exactly one of GOOD_SUCCESS, GOOD_FAILURE, BAD_SUCCESS,
BAD_FAILURE, HARNESS_ERROR. GOOD means the task itself is sound; BAD means
the task, its environment, or its verifier is defective; HARNESS_ERROR means
the infrastructure broke before a meaningful outcome. Respond with a single
JSON object: {"classification", "subtype", "evidence", "root_cause",
"recommendation", "reward"}.`

// maxMaterialBytes bounds how much trial material goes into one prompt.
const maxMaterialBytes = 48 * 1024

// Classifier classifies trial outcomes with the configured analysis model.
type Classifier struct {
	Client *Client
	Model  string
}

// NewClassifier constructs a Classifier using model for every call.
func NewClassifier(client *Client, model string) *Classifier {
	return &Classifier{Client: client, Model: model}
}

// Classify reads the task and trial materials and asks the model for a
// classification.
func (c *Classifier) Classify(ctx domain.Context, taskDir, trialDir string) (domain.Classification, error) {
	prompt := buildMaterials(taskDir, trialDir)
	raw, err := c.Client.ChatJSON(ctx, "classify", c.Model, classifySystemPrompt, prompt)
	if err != nil {
		return domain.Classification{}, err
	}
	var out domain.Classification
	if err := json.Unmarshal([]byte(CleanJSON(raw)), &out); err != nil {
		return domain.Classification{}, fmt.Errorf("op=ai.classify decode: %w", err)
	}
	switch out.Classification {
	case domain.GoodSuccess, domain.GoodFailure, domain.BadSuccess, domain.BadFailure, domain.HarnessError:
	default:
		return domain.Classification{}, fmt.Errorf("op=ai.classify unknown label %q", out.Classification)
	}
	return out, nil
}

// buildMaterials gathers readable files from both directories, task first,
// truncated to the material size caps.
func buildMaterials(taskDir, trialDir string) string {
	var sb strings.Builder
	sb.WriteString("## Task materials\n")
	appendDir(&sb, taskDir)
	sb.WriteString("\n## Trial materials\n")
	appendDir(&sb, trialDir)
	s := sb.String()
	if len(s) > maxMaterialBytes {
		s = s[:maxMaterialBytes]
	}
	return s
}

func appendDir(sb *strings.Builder, dir string) {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt", ".json", ".log", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if len(raw) > 16*1024 {
			raw = raw[:16*1024]
		}
		rel, _ := filepath.Rel(dir, f)
		fmt.Fprintf(sb, "\n### %s\n%s\n", rel, raw)
	}
}
