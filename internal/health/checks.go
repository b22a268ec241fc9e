package health

import (
	"context"
	"errors"
	"fmt"
)

// Provisioned reports whether every pipeline stage has a provider bound.
type Provisioned interface {
	Ready() bool
}

// Saturable reports whether a pool has no free slot.
type Saturable interface {
	Saturated() bool
	Size() int
}

// Admitter reports whether new sessions are accepted.
type Admitter interface {
	Accepting() bool
}

// Providers fails until all three stages are configured.
func Providers(p Provisioned) Checker {
	return Checker{Name: "providers", Check: func(context.Context) error {
		if !p.Ready() {
			return errors.New("pipeline has unconfigured stages")
		}
		return nil
	}}
}

// Workers fails while every worker slot is taken.
func Workers(s Saturable) Checker {
	return Checker{Name: "workers", Check: func(context.Context) error {
		if s.Saturated() {
			return fmt.Errorf("all %d workers busy", s.Size())
		}
		return nil
	}}
}

// Sessions fails once shutdown has begun.
func Sessions(a Admitter) Checker {
	return Checker{Name: "sessions", Check: func(context.Context) error {
		if !a.Accepting() {
			return errors.New("shutting down")
		}
		return nil
	}}
}
