package session

import (
	"context"

	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/pkg/errors"
)

// ErrSessionEnded is returned by any operation issued after the machine's
// actor goroutine has already stopped.
var ErrSessionEnded = errors.Error("session already ended")

// enqueue delivers req to the mailbox, honoring ctx while waiting for the
// actor to accept it. Used for operations where dropping the request on
// caller-ctx cancellation is harmless: the actor never saw it, so no state
// transition was missed and nothing needs to be handed back.
func (m *Machine) enqueue(ctx context.Context, req any) error {
	select {
	case m.mailbox <- req:
		return nil
	case <-m.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueTerminal delivers req to the mailbox without racing caller-ctx
// cancellation. CommitTransaction, AbortTransaction, EndSession and
// EndImplicitSession must still reach the actor even if the caller's ctx is
// cancelled in the window between deciding to terminate/commit/abort and the
// mailbox send completing — dropping the request here would leave the
// transaction stuck mid-flight and the ServerSession never handed back.
func (m *Machine) enqueueTerminal(req any) error {
	select {
	case m.mailbox <- req:
		return nil
	case <-m.done:
		return ErrSessionEnded
	}
}

// wait blocks for a reply, falling back to ErrSessionEnded if the actor
// terminates (including a recovered panic) before it gets a chance to send
// one — a caller blocked on a bare <-reply would otherwise hang forever in
// that case. The actor always writes its reply before closing m.done, so a
// final non-blocking check on reply is needed to resolve the case where
// select wakes on m.done even though the real reply is already sitting in
// the buffer.
func wait[T any](m *Machine, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrSessionEnded
		}
	}
}

// call enqueues req, honoring ctx cancellation while it waits to be
// accepted, then waits for the reply.
func call[T any](m *Machine, ctx context.Context, req any, reply chan T) (T, error) {
	var zero T
	if err := m.enqueue(ctx, req); err != nil {
		return zero, err
	}
	return wait(m, reply)
}

// callTerminal enqueues req without letting caller-ctx cancellation drop the
// delivery, then waits for the reply. Used once the decision to
// commit/abort/terminate has been made, so the actor always gets to finish
// the transition.
func callTerminal[T any](m *Machine, req any, reply chan T) (T, error) {
	var zero T
	if err := m.enqueueTerminal(req); err != nil {
		return zero, err
	}
	return wait(m, reply)
}

// StartTransaction begins a new transaction, allocating the next
// transaction number. Legal from NoTransaction, TransactionCommitted or
// TransactionAborted.
func (m *Machine) StartTransaction(ctx context.Context) error {
	reply := make(chan error, 1)
	domainErr, err := call(m, ctx, startTxnReq{reply: reply}, reply)
	if err != nil {
		return err
	}
	return domainErr
}

// BindSession decorates cmd with session metadata appropriate to the
// machine's wire version and current state, and returns the connection the
// caller should execute it on.
func (m *Machine) BindSession(ctx context.Context, c cmd.Doc) (BindResult, error) {
	reply := make(chan BindResult, 1)
	return call(m, ctx, bindReq{cmd: c, reply: reply}, reply)
}

// CommitTransaction commits the current transaction. Outside
// StartingTransaction or TransactionInProgress this is ErrNoTransactionStarted.
// Delivery to the actor does not race ctx cancellation: a cancelled caller
// must not leave the transaction stuck mid-commit. The network call itself
// is further detached from ctx once the actor dispatches it (see
// actor.commitCommand).
func (m *Machine) CommitTransaction(ctx context.Context) error {
	reply := make(chan error, 1)
	domainErr, err := callTerminal(m, commitReq{ctx: ctx, reply: reply}, reply)
	if err != nil {
		return err
	}
	return domainErr
}

// AbortTransaction aborts the current transaction. Outside
// StartingTransaction or TransactionInProgress this is ErrNoTransactionStarted.
// Same non-cancellable delivery and detached dispatch as CommitTransaction.
func (m *Machine) AbortTransaction(ctx context.Context) error {
	reply := make(chan error, 1)
	domainErr, err := callTerminal(m, abortReq{ctx: ctx, reply: reply}, reply)
	if err != nil {
		return err
	}
	return domainErr
}

// Connection returns the connection handle bound to this session.
func (m *Machine) Connection(ctx context.Context) (any, error) {
	reply := make(chan any, 1)
	return call(m, ctx, connReq{reply: reply}, reply)
}

// ServerSessionInfo returns the owned ServerSession and whether it is an
// implicit session.
func (m *Machine) ServerSessionInfo(ctx context.Context) (ServerSession, bool, error) {
	reply := make(chan serverSessionResult, 1)
	r, err := call(m, ctx, serverSessionReq{reply: reply}, reply)
	if err != nil {
		return ServerSession{}, false, err
	}
	return r.serverSession, r.implicit, nil
}

// AdvanceOperationTime is a fire-and-forget cast: it never waits for the
// actor and never reports back whether the update took effect.
func (m *Machine) AdvanceOperationTime(t ClusterTime) {
	req := advanceOpTimeReq{t: t}
	select {
	case m.mailbox <- req:
	default:
		go func() {
			select {
			case m.mailbox <- req:
			case <-m.done:
			}
		}()
	}
}

// EndSession stops the actor unconditionally and returns the recovered
// ServerSession for the caller to check back in. Delivery does not race ctx
// cancellation, so a ServerSession is never stranded with a live actor that
// nobody can reach anymore.
func (m *Machine) EndSession(ctx context.Context) (EndResult, error) {
	reply := make(chan EndResult, 1)
	return callTerminal(m, endSessionReq{reply: reply}, reply)
}

// EndImplicitSession stops the actor only if it was created implicitly; on
// an explicit session it is a no-op (EndResult.Ended == false). Same
// non-cancellable delivery as EndSession.
func (m *Machine) EndImplicitSession(ctx context.Context) (EndResult, error) {
	reply := make(chan EndResult, 1)
	return callTerminal(m, endImplicitReq{reply: reply}, reply)
}
