package classify

import (
	"context"
	"errors"
	"testing"
)

// ===== TEST HELPERS =====

type stubClassifier struct {
	result *Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, text string, labels []string, multiLabel bool) (*Result, error) {
	s.calls++
	return s.result, s.err
}

// ===== LAZY CONSTRUCTION =====

func TestLazyConstructsOnce(t *testing.T) {
	built := 0
	stub := &stubClassifier{result: &Result{Labels: []string{"a"}, Scores: []float64{0.9}}}
	lazy := NewLazy(func() (Classifier, error) {
		built++
		return stub, nil
	})

	for i := 0; i < 3; i++ {
		res, err := lazy.Classify(context.Background(), "text", []string{"a"}, false)
		if err != nil {
			t.Fatalf("Classify() #%d error = %v", i, err)
		}
		if top, _ := res.Top(); top != "a" {
			t.Errorf("Top() = %q, want a", top)
		}
	}

	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
	if stub.calls != 3 {
		t.Errorf("inner Classify ran %d times, want 3", stub.calls)
	}
}

func TestLazyPinsConstructionError(t *testing.T) {
	built := 0
	wantErr := errors.New("no credentials")
	lazy := NewLazy(func() (Classifier, error) {
		built++
		return nil, wantErr
	})

	for i := 0; i < 3; i++ {
		_, err := lazy.Classify(context.Background(), "text", []string{"a"}, false)
		if !errors.Is(err, wantErr) {
			t.Errorf("Classify() #%d error = %v, want %v", i, err, wantErr)
		}
	}

	if built != 1 {
		t.Errorf("factory ran %d times, want 1 (failures must not retry)", built)
	}
}

// ===== RESULT =====

func TestResultTop(t *testing.T) {
	tests := []struct {
		name      string
		result    *Result
		wantLabel string
		wantScore float64
	}{
		{"nil result", nil, "", 0},
		{"empty result", &Result{}, "", 0},
		{"populated", &Result{Labels: []string{"x", "y"}, Scores: []float64{0.8, 0.2}}, "x", 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, score := tt.result.Top()
			if label != tt.wantLabel || score != tt.wantScore {
				t.Errorf("Top() = (%q, %v), want (%q, %v)", label, score, tt.wantLabel, tt.wantScore)
			}
		})
	}
}

// ===== SCORE PARSING =====

func TestParseScores(t *testing.T) {
	labels := []string{"marketing newsletter", "security alert", "billing receipt"}

	tests := []struct {
		name      string
		raw       string
		wantOrder []string
		wantTop   float64
		wantErr   bool
	}{
		{
			name:      "clean json",
			raw:       `{"marketing newsletter": 0.1, "security alert": 0.85, "billing receipt": 0.05}`,
			wantOrder: []string{"security alert", "marketing newsletter", "billing receipt"},
			wantTop:   0.85,
		},
		{
			name:      "json wrapped in prose",
			raw:       "Here are the scores:\n```json\n{\"security alert\": 0.7, \"marketing newsletter\": 0.3, \"billing receipt\": 0.0}\n```",
			wantOrder: []string{"security alert", "marketing newsletter", "billing receipt"},
			wantTop:   0.7,
		},
		{
			name:      "missing labels score zero",
			raw:       `{"security alert": 0.6}`,
			wantOrder: []string{"security alert", "marketing newsletter", "billing receipt"},
			wantTop:   0.6,
		},
		{
			name:      "out of range scores clamp",
			raw:       `{"security alert": 1.7, "marketing newsletter": -0.4, "billing receipt": 0.2}`,
			wantOrder: []string{"security alert", "billing receipt", "marketing newsletter"},
			wantTop:   1.0,
		},
		{
			name:      "ties keep caller order",
			raw:       `{"marketing newsletter": 0.5, "security alert": 0.5, "billing receipt": 0.5}`,
			wantOrder: []string{"marketing newsletter", "security alert", "billing receipt"},
			wantTop:   0.5,
		},
		{
			name:    "no json object",
			raw:     "I cannot classify this.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"security alert": oops}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseScores(tt.raw, labels)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseScores() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			for i, want := range tt.wantOrder {
				if res.Labels[i] != want {
					t.Errorf("Labels[%d] = %q, want %q", i, res.Labels[i], want)
				}
			}
			if _, top := res.Top(); top != tt.wantTop {
				t.Errorf("top score = %v, want %v", top, tt.wantTop)
			}
		})
	}
}
