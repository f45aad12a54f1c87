// Package wire implements the exec_command collaborator: running a
// decorated command document against a bound connection. It is the only
// package in this module that talks to the MongoDB Go driver's low-level
// command execution surface.
package wire

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/pkg/errors"
)

// Executor runs a command document against a connection handle and returns
// the raw reply, decoded back into a Doc so callers (UpdateSession in
// particular) can pull fields like operationTime out of it.
type Executor struct {
	client *mongo.Client
}

// New wraps an existing *mongo.Client. The client owns its own connection
// pool; Executor never dials or closes it.
func New(client *mongo.Client) *Executor {
	return &Executor{client: client}
}

// Exec runs command against database on conn. conn is expected to be a
// context.Context produced by mongo.NewSessionContext so the command runs
// bound to the right logical session; Exec pulls that session back out and
// rebinds it onto ctx instead of running against conn verbatim, so a caller
// that passes a detached or timed-out ctx (as the session actor does for
// commit/abort dispatch) still controls cancellation even though the
// session itself was bound to a connection handle built earlier. When conn
// isn't a session context at all, Exec falls back to running against ctx
// with no session attached.
func (e *Executor) Exec(ctx context.Context, conn any, command cmd.Doc, database string) (cmd.Doc, error) {
	runCtx := ctx
	if sessionCtx, ok := conn.(context.Context); ok {
		if sess := mongo.SessionFromContext(sessionCtx); sess != nil {
			runCtx = mongo.NewSessionContext(ctx, sess)
		}
	}

	raw, err := e.client.Database(database).RunCommand(runCtx, command.D()).DecodeBytes()
	if err != nil {
		return nil, errors.WrapFail(err, "run command")
	}

	var decoded bson.D
	if err := bson.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.WrapFail(err, "decode command reply")
	}

	return cmd.FromD(decoded), nil
}
