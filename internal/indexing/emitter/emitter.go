package emitter

import (
	"context"
	"log/slog"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// Emitter defines the interface for publishing deployment change events.
type Emitter interface {
	// Emit sends a single event
	Emit(ctx context.Context, event *domain.ChangeEvent) error

	// EmitBatch sends multiple events in order
	EmitBatch(ctx context.Context, events []*domain.ChangeEvent) error

	// Close releases the emitter
	Close() error
}

// LogEmitter writes change events to the structured log.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e *LogEmitter) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *LogEmitter) Emit(ctx context.Context, event *domain.ChangeEvent) error {
	e.logger().Debug("change",
		"deployment", event.Deployment,
		"kind", event.Kind,
		"block", event.Block.Number,
		"hash", event.Block.Hash.TerminalString(),
		"entities", event.EntityTypes,
	)
	return nil
}

func (e *LogEmitter) EmitBatch(ctx context.Context, events []*domain.ChangeEvent) error {
	for _, ev := range events {
		_ = e.Emit(ctx, ev)
	}
	return nil
}

func (e *LogEmitter) Close() error { return nil }

// Multi forwards every event to each emitter in turn.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event *domain.ChangeEvent) error {
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) EmitBatch(ctx context.Context, events []*domain.ChangeEvent) error {
	for _, e := range m {
		if err := e.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, e := range m {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
