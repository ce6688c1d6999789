// Package lua hosts the automation script. All Lua execution happens on a
// single worker goroutine fed by a work queue.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// DefaultQueueSize is the capacity of the work queue.
const DefaultQueueSize = 100

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L *lua.LState

	deltalux *modules.DeltaluxModule

	workQueue chan LuaWork

	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a runtime with the log and deltalux modules preloaded.
func NewRuntime(groups modules.Groups) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		deltalux:  modules.NewDeltaluxModule(groups),
		workQueue: make(chan LuaWork, DefaultQueueSize),
		closing:   make(chan struct{}),
	}

	L.PreloadModule("log", modules.NewLogModule().Loader)
	L.PreloadModule("deltalux", r.deltalux.Loader)

	return r
}

// Close signals the runtime to stop accepting new work and closes the Lua state.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	// The queue is left open so concurrent senders cannot panic.
	r.L.Close()
}

// Do queues work without blocking. Returns false if the runtime is closing,
// the queue is full or ctx is done.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	if r.isClosing() {
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	}
	select {
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSyncWithResult queues work, waits for space, and waits for the result.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(c context.Context) {
		done <- work(c)
	})

	if r.isClosing() {
		return ErrRuntimeClosed
	}
	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (r *Runtime) isClosing() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// Run is the worker loop, the only goroutine that touches the VM once started.
// Exits when ctx is cancelled or the runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript executes a script file. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Int("change_handlers", r.deltalux.HandlerCount()).Msg("Lua script loaded successfully")
	return nil
}

// SubscribeChanges forwards group_state_changed events to the script's
// on_change handlers through the worker queue.
func (r *Runtime) SubscribeChanges(ctx context.Context, bus *eventbus.Bus) (unsubscribe func()) {
	return bus.Subscribe(eventbus.EventGroupStateChanged, func(e eventbus.Event) {
		groupID, _ := e.Data["group_id"].(string)
		name, _ := e.Data["name"].(string)
		r.Do(ctx, func(context.Context) {
			r.deltalux.Dispatch(r.L, groupID, name)
		})
	})
}
