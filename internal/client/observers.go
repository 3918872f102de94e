package client

import (
	"sync"

	"github.com/dkeye/agentvoice/internal/protocol"
)

// observers is a typed callback list; add returns a func removing fn.
type observers[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

type events struct {
	authenticated observers[protocol.AuthOK]
	joined        observers[protocol.Joined]
	userJoined    observers[protocol.UserEvent]
	userLeft      observers[protocol.UserEvent]
	left          observers[protocol.Left]
	offer         observers[protocol.RelayDelivery]
	answer        observers[protocol.RelayDelivery]
	candidate     observers[protocol.RelayDelivery]
	candidateEnd  observers[protocol.RelayDelivery]
	errors        observers[protocol.Error]
	state         observers[State]
}

func (c *Conn) OnAuthenticated(fn func(protocol.AuthOK)) func() { return c.ev.authenticated.add(fn) }
func (c *Conn) OnJoined(fn func(protocol.Joined)) func()        { return c.ev.joined.add(fn) }
func (c *Conn) OnUserJoined(fn func(protocol.UserEvent)) func() { return c.ev.userJoined.add(fn) }
func (c *Conn) OnUserLeft(fn func(protocol.UserEvent)) func()   { return c.ev.userLeft.add(fn) }
func (c *Conn) OnLeft(fn func(protocol.Left)) func()            { return c.ev.left.add(fn) }
func (c *Conn) OnOffer(fn func(protocol.RelayDelivery)) func()  { return c.ev.offer.add(fn) }
func (c *Conn) OnAnswer(fn func(protocol.RelayDelivery)) func() { return c.ev.answer.add(fn) }
func (c *Conn) OnCandidate(fn func(protocol.RelayDelivery)) func() {
	return c.ev.candidate.add(fn)
}
func (c *Conn) OnCandidateEnd(fn func(protocol.RelayDelivery)) func() {
	return c.ev.candidateEnd.add(fn)
}
func (c *Conn) OnError(fn func(protocol.Error)) func() { return c.ev.errors.add(fn) }
func (c *Conn) OnStateChange(fn func(State)) func()    { return c.ev.state.add(fn) }
