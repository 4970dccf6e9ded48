// Package jobs defines the background task surface: permission cache
// flushes pushed through Asynq so every web instance converges after an
// authorization change.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/reaction-framework/reaction/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACFlush invalidates cached permission check results.
	TaskRBACFlush = "rbac:flush"
)

// RBACFlushPayload records why a flush was requested, for log correlation.
type RBACFlushPayload struct {
	Reason string `json:"reason"`
}

// NewRBACFlushTask constructs an Asynq task requesting a cache flush.
func NewRBACFlushTask(payload RBACFlushPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACFlush, data), nil
}

// RBACFlushHandler processes TaskRBACFlush tasks against the shared check
// cache.
func RBACFlushHandler(cache *rbac.CheckCache, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RBACFlushPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if cache == nil {
			return nil
		}
		if err := cache.Flush(ctx); err != nil {
			logger.Error("rbac cache flush failed",
				slog.String("reason", payload.Reason), slog.Any("error", err))
			return err
		}
		logger.Info("rbac cache flushed", slog.String("reason", payload.Reason))
		return nil
	}
}
