package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter creates an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy of the adapter that logs at level.
func (a *SlogAdapter) WithLevel(level slog.Level) *SlogAdapter {
	return &SlogAdapter{logger: a.logger, level: level}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	ctx := context.Background()
	if !a.logger.Enabled(ctx, a.level) {
		return
	}
	a.logger.LogAttrs(ctx, a.level, "protocol", eventAttrs(event)...)
}

func eventAttrs(event Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.LocalRole != RoleUnknown {
		attrs = append(attrs, slog.String("role", event.LocalRole.String()))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_type", int(event.Frame.Type)),
			slog.Int("frame_size", event.Frame.Size),
		)
		if event.Frame.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	case event.Handshake != nil:
		attrs = append(attrs, slog.String("step", event.Handshake.Step.String()))
		if len(event.Handshake.Versions) > 0 {
			attrs = append(attrs, slog.Any("versions", event.Handshake.Versions))
		}
		if event.Handshake.Version != 0 {
			attrs = append(attrs, slog.Int("version", int(event.Handshake.Version)))
		}
		if event.Handshake.Duration > 0 {
			attrs = append(attrs, slog.Duration("duration", event.Handshake.Duration))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs, slog.String("ctrl_type", event.ControlMsg.Type.String()))
		if event.ControlMsg.Seq != 0 {
			attrs = append(attrs, slog.Uint64("seq", uint64(event.ControlMsg.Seq)))
		}
		if event.ControlMsg.RTT > 0 {
			attrs = append(attrs, slog.Duration("rtt", event.ControlMsg.RTT))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}
	return attrs
}

var _ Logger = (*SlogAdapter)(nil)
