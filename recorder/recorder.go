package recorder

import (
	"context"
	"time"
)

// Move describes one finished (or aborted) motor operation.
type Move struct {
	Kit       string
	Motor     string
	Direction string
	Steps     uint
	Phase     uint8
	Position  int
	Duration  time.Duration
	Cancelled bool
	At        time.Time
}

type Recorder interface {
	Record(ctx context.Context, move Move) error
	Close() error
}

// Nop drops every move.
type Nop struct{}

func (Nop) Record(ctx context.Context, move Move) error {
	return nil
}

func (Nop) Close() error {
	return nil
}
