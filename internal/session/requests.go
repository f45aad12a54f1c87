package session

import (
	"context"

	"github.com/nikmy/mongosess/internal/cmd"
)

type startTxnReq struct {
	reply chan error
}

type bindReq struct {
	cmd   cmd.Doc
	reply chan BindResult
}

type commitReq struct {
	ctx   context.Context
	reply chan error
}

type abortReq struct {
	ctx   context.Context
	reply chan error
}

type connReq struct {
	reply chan any
}

type serverSessionReq struct {
	reply chan serverSessionResult
}

type serverSessionResult struct {
	serverSession ServerSession
	implicit      bool
}

type advanceOpTimeReq struct {
	t ClusterTime
}

type endSessionReq struct {
	reply chan EndResult
}

type endImplicitReq struct {
	reply chan EndResult
}
