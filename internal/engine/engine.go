// Package engine is the in-process voice engine: it assembles decoded
// frames into fixed-interval ticks and dispatches ticks, speaking updates
// and disconnects to sink handlers.
package engine

import (
	"context"

	"github.com/discord-voice-lab/voicerecv/receive"
)

// Engine ties an Assembler to a Dispatcher.
type Engine struct {
	*Dispatcher
	Assembler *Assembler
}

// New returns an engine ticking at TickInterval.
func New() *Engine {
	d := NewDispatcher()
	return &Engine{Dispatcher: d, Assembler: NewAssembler(TickInterval, d.Dispatch)}
}

// SpeakingUpdate dispatches an SSRC to user association.
func (e *Engine) SpeakingUpdate(ctx context.Context, ssrc uint32, userID uint64, hasUser bool, flags receive.SpeakingFlags) {
	e.Dispatch(ctx, &receive.SpeakingUpdate{SSRC: ssrc, UserID: userID, HasUser: hasUser, Flags: flags})
}

// Disconnect dispatches a ClientDisconnect and stops reporting the user's
// SSRC as silent.
func (e *Engine) Disconnect(ctx context.Context, userID uint64, ssrc uint32, hasSSRC bool) {
	if hasSSRC {
		e.Assembler.Forget(ssrc)
	}
	e.Dispatch(ctx, &receive.ClientDisconnect{UserID: userID})
}

// Run drives the tick loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error { return e.Assembler.Run(ctx) }
