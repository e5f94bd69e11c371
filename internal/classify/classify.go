// Package classify provides zero-shot text classification for the
// analyzers that need intent labels. The production implementation is
// backed by AWS Bedrock; analyzers degrade gracefully when no
// classifier is available.
package classify

import (
	"context"
	"sync"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// Result holds candidate labels sorted by descending score.
type Result struct {
	Labels []string
	Scores []float64
}

// Top returns the best label and its score, or ("", 0) when empty.
func (r *Result) Top() (string, float64) {
	if r == nil || len(r.Labels) == 0 {
		return "", 0
	}
	return r.Labels[0], r.Scores[0]
}

// Classifier scores a text against candidate labels. With multiLabel
// false the scores form a distribution over the labels; with multiLabel
// true each label is scored independently.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string, multiLabel bool) (*Result, error)
}

// lazyClassifier defers construction to first use and pins the outcome:
// a failed construction is recorded and returned by every later call
// without retrying.
type lazyClassifier struct {
	factory func() (Classifier, error)
	once    sync.Once
	c       Classifier
	err     error
}

// NewLazy wraps a constructor so the classifier is built on first use.
func NewLazy(factory func() (Classifier, error)) Classifier {
	return &lazyClassifier{factory: factory}
}

func (l *lazyClassifier) Classify(ctx context.Context, text string, labels []string, multiLabel bool) (*Result, error) {
	l.once.Do(func() {
		l.c, l.err = l.factory()
		if l.err != nil {
			logger.Warn("classifier unavailable, intent analysis degraded", "error", l.err.Error())
		}
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.c.Classify(ctx, text, labels, multiLabel)
}
