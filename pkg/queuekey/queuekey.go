// Package queuekey canonicalizes queue-key strings.
//
// A queue key identifies one dispatch lane: `provider/model` for trial jobs,
// or a configured constant for analysis/verdict jobs. The same canonical form
// is used as the jobq entrypoint, the slot-lease key, and the dispatcher's
// planning key, so Normalize must be idempotent and total.
package queuekey

import "strings"

// Default is the fallback lane for jobs without a resolvable model.
const Default = "default"

// absentAliases are model strings treated as "no model given".
var absentAliases = map[string]struct{}{
	"":        {},
	"-":       {},
	"none":    {},
	"null":    {},
	"nil":     {},
	"n/a":     {},
	"na":      {},
	"default": {},
}

// providerOnlyAliases collapse to the default lane: a bare provider name is
// not a lane of its own.
var providerOnlyAliases = map[string]struct{}{
	"openai":    {},
	"anthropic": {},
	"claude":    {},
	"google":    {},
	"gemini":    {},
	"default":   {},
}

// agentsWithoutModel always run on the default lane regardless of any model
// string supplied with the submission.
var agentsWithoutModel = map[string]struct{}{
	"nop":    {},
	"oracle": {},
}

// Normalize returns the canonical queue key for s.
//
// Lowercases, trims, and collapses inner whitespace to underscores; maps
// absent and provider-only aliases to Default; passes provider/model strings
// through; infers a provider prefix for bare model names when possible.
// Normalize(Normalize(s)) == Normalize(s) for all s.
func Normalize(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.Join(strings.Fields(normalized), "_")
	if _, ok := absentAliases[normalized]; ok {
		return Default
	}
	if _, ok := providerOnlyAliases[normalized]; ok {
		return Default
	}
	if provider, model, found := strings.Cut(normalized, "/"); found {
		_, providerOnly := providerOnlyAliases[provider]
		_, modelOnly := providerOnlyAliases[model]
		if providerOnly && modelOnly {
			return Default
		}
		return normalized
	}
	provider := inferProvider(normalized)
	if provider == "" {
		return normalized
	}
	return provider + "/" + normalized
}

// inferProvider guesses the provider prefix for a bare model name. Returns
// "" when no inference is possible; the bare name is then its own lane.
func inferProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "text-embedding-"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	}
	return ""
}

// NormalizeModel canonicalizes a trial's model input for storage and routing.
// Absent aliases map to ""; nop/oracle agents are forced to "default".
func NormalizeModel(agent, model string) string {
	cleaned := strings.TrimSpace(model)
	if _, absent := absentAliases[strings.ToLower(cleaned)]; absent {
		cleaned = ""
	}
	normalizedAgent := strings.ToLower(strings.TrimSpace(agent))
	if _, ok := agentsWithoutModel[normalizedAgent]; ok {
		return Default
	}
	return cleaned
}

// ForTrial resolves the queue key for an agent/model pair: model first,
// falling back to the default lane when the model is absent.
func ForTrial(agent, model string) string {
	normalizedModel := NormalizeModel(agent, model)
	if normalizedModel == "" {
		return Default
	}
	return Normalize(normalizedModel)
}

// Provider derives the reporting-only provider bucket from a queue key.
// Routing never uses this value; the queue key is canonical.
func Provider(key string) string {
	normalized := Normalize(key)
	provider, _, found := strings.Cut(normalized, "/")
	if !found {
		return Default
	}
	switch provider {
	case "anthropic", "claude", "bedrock":
		return "claude"
	case "google", "gemini", "vertex_ai", "palm":
		return "gemini"
	case "openai":
		return "openai"
	}
	return Default
}
