// Package analyzers contains the email analysis pipeline: a registry of
// self-registering analyzers and the runner that executes them in order
// against incoming email events.
package analyzers

import (
	"context"
	"database/sql"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ices-pipeline/internal/classify"
	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/models"
)

// Analyzer inspects one email event and reports typed observations.
// Implementations must be safe for concurrent use; the same instance is
// shared across worker goroutines.
type Analyzer interface {
	Name() string
	Description() string
	Analyze(ctx context.Context, event *models.EmailEvent) ([]models.Observation, error)
}

// Deps carries the shared resources analyzers may draw on. Any field
// may be nil when a deployment does not provide that resource;
// analyzers degrade rather than fail.
type Deps struct {
	Redis      *redis.Client
	DB         *sql.DB
	Classifier classify.Classifier
	Catalog    *Catalog
	Reputation config.ReputationConfig
}

type registration struct {
	order   int
	name    string
	factory func(*Deps) Analyzer
}

var registry []registration

// Register adds an analyzer factory to the registry. Analyzers call it
// from an init function. Lower order runs first; ties break by name.
func Register(order int, name string, factory func(*Deps) Analyzer) {
	registry = append(registry, registration{order: order, name: name, factory: factory})
}

// build instantiates every registered analyzer in run order.
func build(deps *Deps) []Analyzer {
	regs := make([]registration, len(registry))
	copy(regs, registry)
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].order != regs[j].order {
			return regs[i].order < regs[j].order
		}
		return regs[i].name < regs[j].name
	})

	out := make([]Analyzer, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.factory(deps))
	}
	return out
}
