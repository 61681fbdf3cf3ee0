// Package actor provides a single-goroutine owner for mutable state.
//
// State guarded by a Loop is only ever touched inside functions passed to
// Do, and those run one at a time on the Run goroutine. Callers must not
// keep references to guarded state after Do returns.
package actor

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("actor loop closed")

type command struct {
	apply func()
	done  chan struct{}
}

type Loop struct {
	commands chan command
	quit     chan struct{}
	once     sync.Once
}

func New() *Loop {
	return &Loop{
		commands: make(chan command),
		quit:     make(chan struct{}),
	}
}

// Run executes commands until ctx is cancelled. Do calls made after Run
// returns fail with ErrClosed.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.quit) })
	for {
		select {
		case cmd := <-l.commands:
			cmd.apply()
			close(cmd.done)
		case <-ctx.Done():
			return
		}
	}
}

// Do runs fn on the Run goroutine and waits for it to complete. Once
// accepted, fn always runs to completion even if ctx is cancelled.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	cmd := command{apply: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}
