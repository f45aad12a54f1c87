// Package topology implements the checkout_session/checkin_session
// collaborator: the pool that hands out connections and ServerSessions and
// negotiates wire version against the deployment's primary.
package topology

import (
	"context"

	"github.com/nikmy/mongosess/internal/session"
	"github.com/nikmy/mongosess/pkg/errors"
)

// Kind distinguishes why a session was checked out, mirroring the
// explicit/implicit distinction the session state machine itself carries.
type Kind int

const (
	Explicit Kind = iota
	Implicit
)

// Checkout bundles everything a freshly checked-out session needs to build
// a session.Machine: the connection handle, the ServerSession the pool just
// minted or recycled, and the wire version the pool negotiated with the
// member it selected.
type Checkout struct {
	Conn          any
	ServerSession session.ServerSession
	WireVersion   uint32
}

// ErrConnectionReplaced is the recoverable signal the pool returns when the
// topology reshuffled mid-checkout (e.g. a primary stepdown raced the
// selection). The Session Manager retries on this error; it is never
// surfaced past it.
var ErrConnectionReplaced = errors.Error("connection replaced")

// MaxCheckoutRetries bounds the Checkout retry loop in internal/sessionmgr
// so a reshuffling topology can't spin a caller forever.
const MaxCheckoutRetries = 3

// Pool is the topology collaborator consumed by internal/sessionmgr.
type Pool interface {
	Checkout(ctx context.Context, kind Kind) (Checkout, error)
	Checkin(ctx context.Context, s session.ServerSession) error
}
