package analyzers

import (
	"context"
	"math"
	"time"

	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// Pipeline runs every registered analyzer against an email event and
// assembles their observations into a verdict.
type Pipeline struct {
	analyzers []Analyzer
}

// NewPipeline instantiates all registered analyzers with the given
// dependencies, in run order.
func NewPipeline(deps *Deps) *Pipeline {
	p := &Pipeline{analyzers: build(deps)}
	names := make([]string, 0, len(p.analyzers))
	for _, a := range p.analyzers {
		names = append(names, a.Name())
	}
	logger.Info("analysis pipeline ready", "analyzers", names)
	return p
}

// Analyzers returns the names of the analyzers in run order.
func (p *Pipeline) Analyzers() []string {
	names := make([]string, 0, len(p.analyzers))
	for _, a := range p.analyzers {
		names = append(names, a.Name())
	}
	return names
}

// Run executes the full analyzer chain against one event. A failing
// analyzer contributes a single "error" observation and never aborts
// the chain, so one verdict is always produced per event.
func (p *Pipeline) Run(ctx context.Context, event *models.EmailEvent) *models.Verdict {
	results := make([]models.AnalysisResult, 0, len(p.analyzers))

	for _, a := range p.analyzers {
		start := time.Now()
		observations, err := a.Analyze(ctx, event)
		if err != nil {
			logger.Warn("analyzer failed", "analyzer", a.Name(), "message_id", event.MessageID, "error", err.Error())
			observations = []models.Observation{models.Text("error", err.Error())}
		}
		if observations == nil {
			observations = []models.Observation{}
		}
		elapsed := math.Round(float64(time.Since(start).Microseconds())/10.0) / 100.0

		results = append(results, models.AnalysisResult{
			Analyzer:         a.Name(),
			Observations:     observations,
			ProcessingTimeMS: elapsed,
		})
		logger.Debug("analyzer complete",
			"analyzer", a.Name(),
			"message_id", event.MessageID,
			"observations", len(observations),
			"ms", elapsed)
	}

	return &models.Verdict{
		MessageID:   event.MessageID,
		UserID:      event.UserID,
		TenantID:    event.TenantID,
		TenantAlias: event.TenantAlias,
		Sender:      event.Sender,
		Recipients:  event.Recipients(),
		Results:     results,
	}
}
