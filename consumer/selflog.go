package consumer

import (
	"context"

	"promptforge/events"

	"go.uber.org/zap"
)

// LogUserRegistered is the user service's own audit of registrations.
func LogUserRegistered(logger *zap.Logger) HandlerFunc {
	return func(_ context.Context, env events.Envelope) error {
		e, ok := env.Payload.(events.UserRegistered)
		if !ok {
			return nil
		}
		logger.Info("📧 [user.registered] Welcome email queued",
			zap.String("event_id", env.EventID),
			zap.String("user_id", e.UserID),
			zap.String("username", e.Username),
			zap.String("email", e.Email),
		)
		return nil
	}
}

// LogPromptCreated is the prompt service's own audit of new prompts.
func LogPromptCreated(logger *zap.Logger) HandlerFunc {
	return func(_ context.Context, env events.Envelope) error {
		e, ok := env.Payload.(events.PromptCreated)
		if !ok {
			return nil
		}
		logger.Info("📝 [prompt.created] Prompt published",
			zap.String("event_id", env.EventID),
			zap.String("prompt_id", e.PromptID),
			zap.String("title", e.Title),
			zap.String("user_id", e.UserID),
			zap.Bool("public", e.Public()),
		)
		return nil
	}
}
