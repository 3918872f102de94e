package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/agentvoice/internal/app"
	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/pubsub"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("connection not registered")
	ErrNotInRoom      = errors.New("sender not in room")
	ErrTargetNotFound = errors.New("target not found")
)

// Orchestrator applies signaling transitions to the room store, notifies
// local sessions and mirrors changes to sibling instances through Bus.
// Bus may be nil for a standalone instance.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomStore
	Policy   app.Policy
	Bus      *pubsub.Bus
}

func (o *Orchestrator) InstanceID() string {
	if o.Bus == nil {
		return ""
	}
	return o.Bus.InstanceID()
}

// Connect registers an authenticated session on this instance.
func (o *Orchestrator) Connect(ctx context.Context, sess core.Session, cancel context.CancelFunc) {
	o.Registry.Bind(sess, cancel)
	o.publish("presence", func() error {
		return o.Bus.PublishPresence(ctx, pubsub.PresenceEvent{
			AgentID:      sess.Agent(),
			ConnectionID: sess.ID(),
			Status:       pubsub.PresenceOnline,
		})
	})
}

// Disconnect runs the same cleanup as an explicit leave. It is safe to call
// more than once.
func (o *Orchestrator) Disconnect(ctx context.Context, conn domain.ConnectionID) {
	sess, ok := o.Registry.Get(conn)
	if !o.Registry.Unbind(conn) {
		return
	}
	o.leave(ctx, conn, "disconnect", false)
	if ok {
		o.publish("presence", func() error {
			return o.Bus.PublishPresence(ctx, pubsub.PresenceEvent{
				AgentID:      sess.Agent(),
				ConnectionID: conn,
				Status:       pubsub.PresenceOffline,
			})
		})
	}
	log.Info().Str("module", "orch").Str("conn", string(conn)).Msg("disconnected")
}

func (o *Orchestrator) send(sess core.Session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal outbound")
		return
	}
	if err := sess.Signal().TrySend(b); err != nil {
		o.onSendFailure(sess, err)
	}
}

func (o *Orchestrator) onSendFailure(sess core.Session, err error) {
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(sess) {
	case app.Disconnect:
		log.Warn().Str("module", "orch").Str("conn", string(sess.ID())).Msg("slow consumer disconnected")
		o.Registry.Cancel(sess.ID())
	case app.DropMessage, app.NoAction:
		log.Debug().Str("module", "orch").Str("conn", string(sess.ID())).Msg("message dropped on backpressure")
	}
}

// SendTo delivers v to a locally connected session.
func (o *Orchestrator) SendTo(conn domain.ConnectionID, v any) bool {
	sess, ok := o.Registry.Get(conn)
	if !ok {
		return false
	}
	o.send(sess, v)
	return true
}

// notifyLocal sends v to every participant of room held by this instance,
// except skip.
func (o *Orchestrator) notifyLocal(room domain.RoomID, skip domain.ConnectionID, v any) int {
	n := 0
	for _, p := range o.Rooms.ParticipantsByRoom(room) {
		if p.ConnectionID == skip {
			continue
		}
		if sess, ok := o.Registry.Get(p.ConnectionID); ok {
			o.send(sess, v)
			n++
		}
	}
	return n
}

func (o *Orchestrator) publish(what string, fn func() error) {
	if o.Bus == nil {
		return
	}
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("event", what).Msg("fan-out publish failed")
	}
}

// RunJanitor removes idle rooms every interval until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			o.SweepIdle(ctx, now)
		}
	}
}

func (o *Orchestrator) SweepIdle(ctx context.Context, now time.Time) []domain.RoomID {
	removed := o.Rooms.Sweep(now)
	for _, id := range removed {
		o.publish("room_deleted", func() error { return o.Bus.PublishRoomDeleted(ctx, id) })
	}
	return removed
}
