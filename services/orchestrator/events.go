package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle subjects, all captured by the DDSFLEET stream.
const (
	StreamName      = "DDSFLEET"
	SubjectWildcard = "ddsfleet.>"

	SubjectIdentityIssued    = "ddsfleet.identity.issued"
	SubjectModulesDiscovered = "ddsfleet.modules.discovered"
	SubjectProcessLaunched   = "ddsfleet.process.launched"
	SubjectFleetReady        = "ddsfleet.fleet.ready"
	SubjectFleetTeardown     = "ddsfleet.fleet.teardown"
)

// EventPublisher delivers lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type identityEvent struct {
	RunID             uuid.UUID `json:"run_id"`
	Label             string    `json:"label"`
	Mode              string    `json:"mode"`
	CARotated         bool      `json:"ca_rotated"`
	ParticipantIssued bool      `json:"participant_issued"`
	Subject           string    `json:"subject"`
	NotAfter          time.Time `json:"not_after"`
}

type discoveryEvent struct {
	RunID   uuid.UUID `json:"run_id"`
	Modules []string  `json:"modules"`
	Skipped []string  `json:"skipped,omitempty"`
}

type launchEvent struct {
	RunID  uuid.UUID `json:"run_id"`
	Title  string    `json:"title"`
	PID    int       `json:"pid,omitempty"`
	Module string    `json:"module,omitempty"`
	Role   string    `json:"role,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type readyEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	Ready    bool      `json:"ready"`
	Launched int       `json:"launched"`
	Failed   int       `json:"failed"`
	Probe    string    `json:"probe,omitempty"`
}

type teardownEvent struct {
	Stopped  int   `json:"stopped"`
	Failed   int   `json:"failed"`
	Swept    []int `json:"swept,omitempty"`
	Retained int   `json:"retained"`
}

func (o *Orchestrator) publish(ctx context.Context, subject string, v any) {
	if o.opts.Events == nil {
		return
	}
	if err := o.opts.Events.Publish(ctx, subject, v); err != nil {
		o.log.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle event")
	}
}
