package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Frontend receives control once the fleet is up, typically to point an
// operator at the dashboard.
type Frontend interface {
	Handoff(ctx context.Context, result *UpResult) error
}

// LogFrontend announces the dashboard URL in the log.
type LogFrontend struct {
	Port   int
	Logger zerolog.Logger
}

func (f LogFrontend) Handoff(_ context.Context, result *UpResult) error {
	event := f.Logger.Info().
		Str("run_id", result.RunID.String()).
		Bool("ready", result.Ready).
		Int("launched", len(result.Launched))
	if f.Port > 0 {
		event = event.Str("url", fmt.Sprintf("http://localhost:%d", f.Port))
	}
	event.Msg("fleet handed off to front end")
	return nil
}
