package natsutil

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EnsureStream creates the stream or updates its subjects if it already exists
func EnsureStream(js nats.JetStreamContext, cfg *nats.StreamConfig, logger *zap.Logger) error {
	info, err := js.StreamInfo(cfg.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if info == nil {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		logger.Info("Created stream", zap.String("name", cfg.Name))
		return nil
	}

	// Keep the existing retention policy; it cannot be changed in place.
	updated := info.Config
	updated.Subjects = cfg.Subjects
	updated.MaxAge = cfg.MaxAge
	if _, err := js.UpdateStream(&updated); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	logger.Info("Updated stream", zap.String("name", cfg.Name))
	return nil
}
