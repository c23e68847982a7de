package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sageflow/sageflow-go/flow/model"
)

// Verdict values a classifier can return.
const (
	VerdictRelevant  = "relevant"
	VerdictFiltered  = "filtered"
	VerdictUncertain = "uncertain"
)

// Score is a classifier's judgement of whether an incoming message
// answers a pending interaction.
type Score struct {
	// Relevance is in [0, 1].
	Relevance float64
	Verdict   string
}

// Classifier decides whether an incoming response belongs to a pending
// human interaction. Channels like Slack deliver every message in a
// thread; the classifier keeps chatter from resuming a paused
// execution.
type Classifier interface {
	Classify(ctx context.Context, in Interaction, response map[string]any) (Score, error)
}

// HeuristicClassifier scores responses without a model call. It is the
// mandatory fallback when no AI provider is configured.
//
// Scoring: an exact (case-insensitive) match against one of the
// interaction's options is definitive. Otherwise the score is the
// fraction of option and common approval keywords present in the text,
// dampened when the response arrives on a different channel.
type HeuristicClassifier struct{}

var approvalWords = []string{"approve", "approved", "yes", "reject", "rejected", "no", "ok", "confirm", "deny", "lgtm"}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(_ context.Context, in Interaction, response map[string]any) (Score, error) {
	text := strings.ToLower(strings.TrimSpace(responseText(response)))
	if text == "" {
		return Score{Relevance: 0, Verdict: VerdictFiltered}, nil
	}

	for _, opt := range in.Options {
		if strings.EqualFold(strings.TrimSpace(opt), text) {
			return Score{Relevance: 1, Verdict: VerdictRelevant}, nil
		}
	}

	score := 0.0
	for _, opt := range in.Options {
		if strings.Contains(text, strings.ToLower(opt)) {
			score += 0.5
		}
	}
	for _, w := range approvalWords {
		if containsWord(text, w) {
			score += 0.4
			break
		}
	}
	if ch, ok := response["channel"].(string); ok && ch != "" && in.Channel != "" && ch != in.Channel {
		score *= 0.5
	}
	if score > 1 {
		score = 1
	}

	verdict := VerdictUncertain
	switch {
	case score >= 0.7:
		verdict = VerdictRelevant
	case score < 0.3:
		verdict = VerdictFiltered
	}
	return Score{Relevance: score, Verdict: verdict}, nil
}

func containsWord(text, word string) bool {
	for _, f := range strings.Fields(text) {
		if strings.Trim(f, ".,!?:;") == word {
			return true
		}
	}
	return false
}

func responseText(response map[string]any) string {
	for _, key := range []string{"text", "message", "response", "body"} {
		if s, ok := response[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// AIClassifier scores responses with a model call, falling back to the
// heuristic when the call fails.
type AIClassifier struct {
	provider model.Provider
	fallback HeuristicClassifier
}

// NewAIClassifier creates an AIClassifier over the given provider.
func NewAIClassifier(provider model.Provider) *AIClassifier {
	return &AIClassifier{provider: provider}
}

const classifierSystem = `You judge whether an incoming message answers a pending workflow interaction.
Reply with JSON only: {"relevance": <0..1>, "verdict": "relevant"|"filtered"|"uncertain"}.`

// Classify implements Classifier.
func (c *AIClassifier) Classify(ctx context.Context, in Interaction, response map[string]any) (Score, error) {
	prompt := fmt.Sprintf(
		"Pending interaction (%s): %s\nAcceptable options: %s\nIncoming message: %s",
		in.Kind, in.Message, strings.Join(in.Options, ", "), responseText(response),
	)
	resp, err := c.provider.Complete(ctx, model.Request{
		System:   classifierSystem,
		Messages: []model.Message{{Role: model.RoleUser, Content: prompt}},
	})
	if err != nil {
		return c.fallback.Classify(ctx, in, response)
	}

	var out struct {
		Relevance float64 `json:"relevance"`
		Verdict   string  `json:"verdict"`
	}
	text := strings.TrimSpace(resp.Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.Trim(strings.TrimPrefix(text, "```"), "` \n")
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return c.fallback.Classify(ctx, in, response)
	}
	if out.Relevance < 0 {
		out.Relevance = 0
	}
	if out.Relevance > 1 {
		out.Relevance = 1
	}
	switch out.Verdict {
	case VerdictRelevant, VerdictFiltered, VerdictUncertain:
	default:
		out.Verdict = VerdictUncertain
	}
	return Score{Relevance: out.Relevance, Verdict: out.Verdict}, nil
}
