// ABOUTME: Real-time pacing of sequenced items
// ABOUTME: Emits each item then waits its declared duration, with abort support
package pacer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAborted is returned by Pace and PaceStream when Abort stopped them
var ErrAborted = errors.New("pacer: aborted")

// Item is a value with the delay to observe after emitting it
type Item[T any] struct {
	Value   T
	DelayMs int
	// IsFinal suppresses the delay after this item
	IsFinal bool
}

// EmitFunc receives each paced value
type EmitFunc[T any] func(ctx context.Context, v T) error

// run is one in-flight Pace or PaceStream call
type run struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Pacer emits items at real-time intervals. With Enabled false items are
// emitted back to back.
//
// Abort stops every in-flight run; a run started afterwards is unaffected.
// Once Abort returns no further emit call happens for the aborted runs.
// Abort must not be called from inside an emit callback.
type Pacer[T any] struct {
	Enabled bool

	mu     sync.Mutex
	runs   map[*run]struct{}
	emitMu sync.Mutex
}

// New returns a pacer
func New[T any](enabled bool) *Pacer[T] {
	return &Pacer[T]{
		Enabled: enabled,
		runs:    make(map[*run]struct{}),
	}
}

func (p *Pacer[T]) start(ctx context.Context) (context.Context, *run) {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}

	p.mu.Lock()
	if p.runs == nil {
		p.runs = make(map[*run]struct{})
	}
	p.runs[r] = struct{}{}
	p.mu.Unlock()

	return ctx, r
}

func (p *Pacer[T]) finish(r *run) {
	p.mu.Lock()
	delete(p.runs, r)
	p.mu.Unlock()
	r.cancel()
}

// Pace emits items in order, waiting after each non-final item
func (p *Pacer[T]) Pace(ctx context.Context, items []Item[T], emit EmitFunc[T]) error {
	ctx, r := p.start(ctx)
	defer p.finish(r)

	for _, item := range items {
		if err := p.step(ctx, r, item, emit); err != nil {
			return err
		}
	}
	return nil
}

// PaceStream applies the same pacing to items received from a channel until
// it is closed.
func (p *Pacer[T]) PaceStream(ctx context.Context, items <-chan Item[T], emit EmitFunc[T]) error {
	ctx, r := p.start(ctx)
	defer p.finish(r)

	for {
		select {
		case <-ctx.Done():
			return p.stopErr(ctx, r)
		case item, ok := <-items:
			if !ok {
				return nil
			}
			if err := p.step(ctx, r, item, emit); err != nil {
				return err
			}
		}
	}
}

func (p *Pacer[T]) step(ctx context.Context, r *run, item Item[T], emit EmitFunc[T]) error {
	if err := p.emit(ctx, r, item.Value, emit); err != nil {
		return err
	}
	if item.IsFinal || !p.Enabled || item.DelayMs <= 0 {
		return nil
	}
	return p.wait(ctx, r, time.Duration(item.DelayMs)*time.Millisecond)
}

func (p *Pacer[T]) emit(ctx context.Context, r *run, v T, emit EmitFunc[T]) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if r.aborted.Load() || ctx.Err() != nil {
		return p.stopErr(ctx, r)
	}
	return emit(ctx, v)
}

func (p *Pacer[T]) wait(ctx context.Context, r *run, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return p.stopErr(ctx, r)
	}
}

func (p *Pacer[T]) stopErr(ctx context.Context, r *run) error {
	if r.aborted.Load() {
		return ErrAborted
	}
	return ctx.Err()
}

// Abort stops all in-flight runs. It is safe to call at any time.
func (p *Pacer[T]) Abort() {
	p.mu.Lock()
	for r := range p.runs {
		r.aborted.Store(true)
		r.cancel()
	}
	p.mu.Unlock()

	// Wait out an emit that is already running
	p.emitMu.Lock()
	p.emitMu.Unlock()
}
