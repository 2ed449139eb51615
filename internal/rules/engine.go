package rules

import "github.com/whispr-dev/proc-wolf/pkg/models"

// Engine matches detection rules against a single process observation and
// returns the behavior flags to add to it.
type Engine interface {
	Apply(obs *models.Observation) []string
}

// NoopEngine returns no flags.
type NoopEngine struct{}

// Apply returns an empty flag list.
func (n *NoopEngine) Apply(obs *models.Observation) []string {
	return nil
}
