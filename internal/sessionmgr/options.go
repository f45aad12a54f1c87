package sessionmgr

import (
	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/internal/session"
)

// Options carries the recognized session/transaction option keys: causal
// consistency, an existing session to reuse, and the commit/write-concern
// knobs forwarded down to the session core's session.Options.
type Options struct {
	CausalConsistency bool
	Session           *session.Machine
	MaxCommitTimeMS   *int64
	WriteConcern      cmd.WriteConcernOpts
}

func (o Options) toSessionOpts() session.Options {
	return session.Options{
		MaxCommitTimeMS: o.MaxCommitTimeMS,
		WriteConcern:    o.WriteConcern,
	}
}
