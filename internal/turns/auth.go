package turns

import (
	"context"
	"errors"
)

// Action is a coordinator entry point subject to authorization.
type Action string

const (
	ActionChat   Action = "chat"
	ActionStop   Action = "stop"
	ActionResume Action = "resume"
)

// ErrForbidden is what Authorizers should wrap when they reject a call.
var ErrForbidden = errors.New("turns: not permitted")

// Authorizer decides whether userID may perform action on roomID. A non-nil
// error rejects the call and is returned to the caller wrapped.
type Authorizer interface {
	Authorize(ctx context.Context, action Action, roomID, userID string) error
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Action, string, string) error { return nil }

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, action Action, roomID, userID string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, action Action, roomID, userID string) error {
	return f(ctx, action, roomID, userID)
}
