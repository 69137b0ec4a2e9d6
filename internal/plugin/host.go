package plugin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/pipeline"
)

// Runner adapts a *pipeline.Pipeline to the Plugin interface the host calls
// into. It is the only thing cmd/thrall-harness (and, in a real deployment,
// the host's plugin loader) needs to hold.
//
// on_tick's host signature only carries peers and a health string; tick
// count and uptime are Thrall's own bookkeeping so templates
// referencing {{envelope.tick}}/{{envelope.uptime_s}} still resolve.
type Runner struct {
	eng     *pipeline.Pipeline
	ctx     Context
	started time.Time
	ticks   atomic.Int64
}

// New builds a Runner. eng must already be wired against the same
// plugin directory ctx.PluginDir() reports — Runner itself does no
// config loading.
func New(eng *pipeline.Pipeline, ctx Context) *Runner {
	return &Runner{eng: eng, ctx: ctx, started: time.Now()}
}

var _ Plugin = (*Runner)(nil)

// OnMailReceived builds an on_mail Envelope and runs it through every
// enabled recipe matching that trigger.
func (r *Runner) OnMailReceived(ctx context.Context, msgType, fromNode, toNode, body, sessionID string) error {
	env := envelope.Envelope{
		Trigger:   envelope.TriggerMail,
		FromNode:  fromNode,
		ToNode:    toNode,
		MsgType:   msgType,
		BodyText:  body,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
	}
	if err := r.eng.Run(ctx, env); err != nil {
		return fmt.Errorf("plugin: on_mail_received: %w", err)
	}
	return nil
}

// OnTick builds an on_tick Envelope. peers and a coarse health string are
// the only state the host hands down; everything else a recipe needs comes
// from context rows or the journal.
func (r *Runner) OnTick(ctx context.Context, peers int, health string) error {
	env := envelope.Envelope{
		Trigger:    envelope.TriggerTick,
		PeerCount:  peers,
		BodyText:   health,
		Tick:       r.ticks.Add(1),
		UptimeSecs: int64(time.Since(r.started).Seconds()),
	}
	if err := r.eng.Run(ctx, env); err != nil {
		return fmt.Errorf("plugin: on_tick: %w", err)
	}
	return nil
}

// OnShutdown is a no-op today: Pipeline has no background goroutines of its
// own to drain. It exists so the host's shutdown sequence has somewhere to
// call, and so a future queue/worker addition has a natural home.
func (r *Runner) OnShutdown(ctx context.Context) error {
	return nil
}
