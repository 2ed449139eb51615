package monitor

import "github.com/whispr-dev/proc-wolf/pkg/models"

// EventWriter delivers action events to an operator-facing sink.
type EventWriter interface {
	WriteEvents(events []*models.ActionEvent) error
	Close() error
}
