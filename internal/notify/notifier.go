// Package notify delivers "authenticated" and "authentication failed" events
// to whoever embeds the client.
package notify

import (
	"context"

	"github.com/firetree/firetree/internal/logging"
)

// Notifier receives authentication lifecycle events. Implementations must be
// safe for concurrent use and must not block for long: events are raised on
// the request path.
type Notifier interface {
	Authenticated(ctx context.Context)
	AuthenticationFailed(ctx context.Context, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Authenticated(context.Context) {}

func (Nop) AuthenticationFailed(context.Context, error) {}

// Funcs adapts plain functions to a Notifier. Nil fields are skipped.
type Funcs struct {
	OnAuthenticated        func(ctx context.Context)
	OnAuthenticationFailed func(ctx context.Context, err error)
}

// Authenticated calls OnAuthenticated if set.
func (f Funcs) Authenticated(ctx context.Context) {
	if f.OnAuthenticated != nil {
		f.OnAuthenticated(ctx)
	}
}

// AuthenticationFailed calls OnAuthenticationFailed if set.
func (f Funcs) AuthenticationFailed(ctx context.Context, err error) {
	if f.OnAuthenticationFailed != nil {
		f.OnAuthenticationFailed(ctx, err)
	}
}

// Log writes events to a structured logger.
type Log struct {
	Logger *logging.Logger
}

// Authenticated logs at info.
func (l Log) Authenticated(ctx context.Context) {
	l.Logger.InfoWithContext(ctx, "authenticated")
}

// AuthenticationFailed logs at warn.
func (l Log) AuthenticationFailed(ctx context.Context, err error) {
	l.Logger.WarnWithContext(ctx, "authentication failed", "error", err)
}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

// Authenticated forwards to every notifier in order.
func (m Multi) Authenticated(ctx context.Context) {
	for _, n := range m {
		if n != nil {
			n.Authenticated(ctx)
		}
	}
}

// AuthenticationFailed forwards to every notifier in order.
func (m Multi) AuthenticationFailed(ctx context.Context, err error) {
	for _, n := range m {
		if n != nil {
			n.AuthenticationFailed(ctx, err)
		}
	}
}
