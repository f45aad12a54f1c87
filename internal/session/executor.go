package session

import (
	"context"

	"github.com/nikmy/mongosess/internal/cmd"
)

// Executor is the wire driver collaborator the machine dispatches commit and
// abort commands through. It is defined here, at the point of consumption,
// rather than in the wire package that implements it — accept interfaces,
// return structs.
type Executor interface {
	Exec(ctx context.Context, conn any, command cmd.Doc, database string) (cmd.Doc, error)
}

const adminDatabase = "admin"
