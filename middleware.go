package rpkica

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// CommandInfo describes a command on its way to a store. Middleware may
// adjust Metadata before the command is dispatched.
type CommandInfo struct {
	Namespace string
	Handle    Handle
	Type      string
	Version   int64
	Metadata  Metadata

	// Details is the command payload, for logging and debugging only.
	Details CommandDetails
}

// DispatchFunc delivers a command to its store.
type DispatchFunc func(ctx context.Context, cmd *CommandInfo) error

// Middleware wraps command dispatch.
type Middleware func(next DispatchFunc) DispatchFunc

// ChainMiddleware composes middleware; the first one is outermost.
func ChainMiddleware(mws ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// RecoveryMiddleware turns panics during dispatch into *PanicError values.
func RecoveryMiddleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var commandData string
					if data, jsonErr := json.Marshal(cmd.Details); jsonErr == nil {
						commandData = string(data)
					}
					err = &PanicError{
						CommandType: cmd.Type,
						Handle:      cmd.Handle,
						Value:       r,
						Stack:       string(debug.Stack()),
						CommandData: commandData,
					}
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) error {
			start := time.Now()

			m.logger.Debug("Dispatching command",
				"namespace", cmd.Namespace, "handle", cmd.Handle, "type", cmd.Type)

			err := next(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err == nil:
				m.logger.Info("Command completed",
					"namespace", cmd.Namespace, "handle", cmd.Handle, "type", cmd.Type,
					"actor", cmd.Metadata.Actor, "duration", duration)
			case IsConcurrencyConflict(err):
				m.logger.Warn("Command conflicted",
					"namespace", cmd.Namespace, "handle", cmd.Handle, "type", cmd.Type, "error", err)
			default:
				m.logger.Error("Command failed",
					"namespace", cmd.Namespace, "handle", cmd.Handle, "type", cmd.Type,
					"duration", duration, "error", err)
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds each dispatch, including lock waits and replay.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// RetryMiddleware retries commands sent with AnyVersion according to config.
// Commands that name an explicit version are never retried: the caller
// asked for that exact state.
func RetryMiddleware(config RetryConfig) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) error {
			if cmd.Version != AnyVersion {
				return next(ctx, cmd)
			}
			return Retry(ctx, config, func(ctx context.Context) error {
				return next(ctx, cmd)
			})
		}
	}
}

type correlationIDKey struct{}

// WithCorrelationID returns a context carrying a correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationIDMiddleware makes sure every command carries a correlation ID,
// taking it from the metadata, then the context, then generator.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = func() string { return uuid.NewString() }
	}

	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) error {
			id := cmd.Metadata.CorrelationID
			if id == "" {
				id = CorrelationIDFromContext(ctx)
			}
			if id == "" {
				id = generator()
			}
			cmd.Metadata.CorrelationID = id
			return next(WithCorrelationID(ctx, id), cmd)
		}
	}
}

type actorKey struct{}

// WithActor returns a context carrying the acting principal.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting principal from context.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok {
		return a
	}
	return ""
}

// ActorMiddleware fills in Metadata.Actor from the context when unset.
func ActorMiddleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd *CommandInfo) error {
			if cmd.Metadata.Actor == "" {
				cmd.Metadata.Actor = ActorFromContext(ctx)
			}
			return next(ctx, cmd)
		}
	}
}
