package adapter

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sageflow/sageflow-go/flow/model"
)

func TestHeuristicClassifier(t *testing.T) {
	approval := Interaction{
		Kind:    "approval",
		Channel: "slack",
		Message: "Deploy v2?",
		Options: []string{"approve", "reject"},
	}

	tests := []struct {
		name     string
		in       Interaction
		response map[string]any
		want     float64
		verdict  string
	}{
		{
			name: "exact option match is definitive",
			in:   approval, response: map[string]any{"text": "Approve"},
			want: 1, verdict: VerdictRelevant,
		},
		{
			name: "option inside a sentence",
			in:   approval, response: map[string]any{"text": "fine, approve it and ship"},
			// option substring 0.5 + approval word 0.4
			want: 0.9, verdict: VerdictRelevant,
		},
		{
			name: "approval word alone is uncertain",
			in:   Interaction{Channel: "slack"}, response: map[string]any{"text": "yes please"},
			want: 0.4, verdict: VerdictUncertain,
		},
		{
			name: "unrelated chatter filtered",
			in:   approval, response: map[string]any{"text": "anyone up for lunch?"},
			want: 0, verdict: VerdictFiltered,
		},
		{
			name: "empty response filtered",
			in:   approval, response: map[string]any{},
			want: 0, verdict: VerdictFiltered,
		},
		{
			name: "cross-channel responses dampened",
			in:   approval,
			response: map[string]any{
				"text": "fine, approve it and ship", "channel": "email",
			},
			want: 0.45, verdict: VerdictUncertain,
		},
		{
			name: "score capped at one",
			in:   Interaction{Options: []string{"yes", "ok"}},
			response: map[string]any{
				"text": "yes ok yes ok sounds good",
			},
			want: 1, verdict: VerdictRelevant,
		},
		{
			name: "alternate text keys",
			in:   approval, response: map[string]any{"message": "reject"},
			want: 1, verdict: VerdictRelevant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (HeuristicClassifier{}).Classify(context.Background(), tt.in, tt.response)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if math.Abs(got.Relevance-tt.want) > 1e-9 {
				t.Errorf("Relevance = %v, want %v", got.Relevance, tt.want)
			}
			if got.Verdict != tt.verdict {
				t.Errorf("Verdict = %s, want %s", got.Verdict, tt.verdict)
			}
		})
	}
}

func TestAIClassifier(t *testing.T) {
	in := Interaction{Kind: "approval", Options: []string{"approve", "reject"}}

	t.Run("parses the model verdict", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{Text: `{"relevance": 0.92, "verdict": "relevant"}`},
		}}
		score, err := NewAIClassifier(provider).Classify(context.Background(), in, map[string]any{"text": "go ahead"})
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if score.Relevance != 0.92 || score.Verdict != VerdictRelevant {
			t.Errorf("score = %+v", score)
		}
	})

	t.Run("strips code fences", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{Text: "```json\n{\"relevance\": 0.2, \"verdict\": \"filtered\"}\n```"},
		}}
		score, err := NewAIClassifier(provider).Classify(context.Background(), in, map[string]any{"text": "lunch?"})
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if score.Verdict != VerdictFiltered {
			t.Errorf("score = %+v", score)
		}
	})

	t.Run("clamps out-of-range relevance and unknown verdicts", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{Text: `{"relevance": 7, "verdict": "definitely"}`},
		}}
		score, err := NewAIClassifier(provider).Classify(context.Background(), in, map[string]any{"text": "x"})
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if score.Relevance != 1 || score.Verdict != VerdictUncertain {
			t.Errorf("score = %+v", score)
		}
	})

	t.Run("falls back to the heuristic on provider errors", func(t *testing.T) {
		provider := &model.MockProvider{Err: errors.New("overloaded")}
		score, err := NewAIClassifier(provider).Classify(context.Background(), in, map[string]any{"text": "approve"})
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if score.Relevance != 1 || score.Verdict != VerdictRelevant {
			t.Errorf("fallback score = %+v", score)
		}
	})

	t.Run("falls back on unparseable answers", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{{Text: "sure thing!"}}}
		score, err := NewAIClassifier(provider).Classify(context.Background(), in, map[string]any{"text": "reject"})
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if score.Verdict != VerdictRelevant {
			t.Errorf("fallback score = %+v", score)
		}
	})
}
