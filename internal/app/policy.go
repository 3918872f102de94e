package app

import (
	"fmt"

	"github.com/dkeye/agentvoice/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	Disconnect
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(sess core.Session) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.Session) BackpressureAction {
	return Disconnect
}

// TolerantPolicy drops the message and keeps the connection.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(core.Session) BackpressureAction {
	return DropMessage
}

// PolicyByName maps the configured backpressure mode to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "disconnect":
		return SimplePolicy{}, nil
	case "drop":
		return TolerantPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
