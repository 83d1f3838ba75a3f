package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/sembus/config"
)

// EnsureStream creates the events stream or updates it to match cfg.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg config.StreamConfig) (jetstream.Stream, error) {
	replicas := cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: "Domain events published on the bus",
		Subjects:    cfg.Subjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Duplicates:  cfg.DuplicateWindow,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}
