package session

import (
	"context"
	"log/slog"

	"github.com/room4-2/memoir-dialog/persona"
)

// OpeningProvider picks the line the recorder speaks first.
type OpeningProvider interface {
	Opening(ctx context.Context, mode persona.Mode, p Params) string
}

// ContentOpenings speaks the scripted prompt in profile collection mode.
// In normal mode it prefers the caller's greeting, then the user's greeting
// pool, then a random fallback line.
type ContentOpenings struct {
	Content persona.Content
	Pool    GreetingPool
	Logger  *slog.Logger
}

// Opening implements [OpeningProvider].
func (o ContentOpenings) Opening(ctx context.Context, mode persona.Mode, p Params) string {
	if mode == persona.ModeProfileCollection {
		return o.Content.ProfileOpening
	}
	if p.Greeting != "" {
		return p.Greeting
	}

	if o.Pool != nil && p.UserID != "" {
		greeting, err := o.Pool.RandomGreeting(ctx, p.UserID)
		if err != nil {
			o.logger().Warn("greeting pool unavailable, using fallback", "user", p.UserID, "error", err)
		} else if greeting != "" {
			return greeting
		}
	}
	return o.Content.RandomFallback()
}

func (o ContentOpenings) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
