package session

import "context"

// Opener opens controllers that share the same collaborators. Transports hold
// one Opener and open a controller per connection or request.
type Opener struct {
	Deps         Deps
	ContextLimit int
}

// Open opens a controller for sessionID with the given hooks.
func (o *Opener) Open(ctx context.Context, sessionID string, hooks Hooks) (*Controller, error) {
	return Open(ctx, sessionID, o.Deps, Options{
		ContextLimit: o.ContextLimit,
		Hooks:        hooks,
	})
}
