package session

import (
	"slices"
	"strings"
	"sync/atomic"
)

// OriginPolicy decides which browser origins may open a session. The list can
// be replaced at runtime without affecting sessions already past the check.
type OriginPolicy struct {
	allowed atomic.Pointer[[]string]
}

// NewOriginPolicy returns a policy for the given allow-list.
func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{}
	p.Set(allowed)
	return p
}

// Set replaces the allow-list.
func (p *OriginPolicy) Set(allowed []string) {
	cp := slices.Clone(allowed)
	p.allowed.Store(&cp)
}

// List returns a copy of the current allow-list.
func (p *OriginPolicy) List() []string {
	return slices.Clone(*p.allowed.Load())
}

// Allowed reports whether origin may connect. An empty origin (non-browser
// clients) is always allowed. Otherwise origin must start with one of the
// configured entries, compared case-sensitively; "*" allows everything.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range *p.allowed.Load() {
		if a == "*" || (a != "" && strings.HasPrefix(origin, a)) {
			return true
		}
	}
	return false
}

// AllowsAll reports whether the list contains "*".
func (p *OriginPolicy) AllowsAll() bool {
	return slices.Contains(*p.allowed.Load(), "*")
}
