// Package session owns the coarse-grained application state: the
// bootstrapping / signed-out / signed-in lifecycle, driven by the
// identity provider's event stream.
package session

import "context"

// Phase is the coarse lifecycle phase. Exactly one holds at a time.
type Phase int

const (
	PhaseBootstrapping Phase = iota
	PhaseSignedOut
	PhaseSignedIn
	PhaseBootstrapFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhaseSignedOut:
		return "signed-out"
	case PhaseSignedIn:
		return "signed-in"
	case PhaseBootstrapFailed:
		return "bootstrap-failed"
	default:
		return "unknown"
	}
}

// State is the published lifecycle state. Message is set only for
// PhaseBootstrapFailed.
type State struct {
	Phase   Phase
	Message string
}

// Identity is the identity provider's view of the signed-in user.
type Identity struct {
	UserID string
	Email  string
}

// Event is a push from the identity provider. Events are consumed in
// arrival order, one at a time; the machine never inspects provider
// state out of band.
type Event interface {
	sessionEvent()
}

// SignInCompleted reports a freshly completed interactive sign-in.
type SignInCompleted struct {
	Identity Identity
}

// SessionChanged reports that the provider's session state changed.
// When HasSession is false Identity is zero.
type SessionChanged struct {
	HasSession bool
	Identity   Identity
}

// SignedOut reports an external sign-out (another device, revocation).
type SignedOut struct{}

// TokenRefreshed reports a background token refresh. No lifecycle
// transition; the API client picks up the new token on its next call.
type TokenRefreshed struct{}

func (SignInCompleted) sessionEvent() {}
func (SessionChanged) sessionEvent()  {}
func (SignedOut) sessionEvent()       {}
func (TokenRefreshed) sessionEvent()  {}

// Provider is the identity provider contract the machine consumes.
type Provider interface {
	// CurrentIdentity returns the active identity, or nil when signed out.
	CurrentIdentity(ctx context.Context) (*Identity, error)

	// Listen opens the provider's event stream. The channel is closed
	// when ctx is cancelled or the stream ends.
	Listen(ctx context.Context) (<-chan Event, error)
}
