package session

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/pkg/errors"
	"github.com/nikmy/mongosess/pkg/logger"
)

// Config seeds a new Machine. Conn, WireVersion, Implicit and
// CausalConsistency are immutable for the machine's lifetime; everything
// else the machine owns exclusively once started.
type Config struct {
	Conn              any
	WireVersion       uint32
	Implicit          bool
	CausalConsistency bool
	ServerSession     ServerSession
	Executor          Executor
	Log               logger.Logger
	Opts              Options
}

// Options carries the recognized commit/abort option keys.
type Options struct {
	MaxCommitTimeMS *int64
	WriteConcern    cmd.WriteConcernOpts
}

// BindResult is the reply to BindSession: the decorated command and the
// connection it should be executed on.
type BindResult struct {
	Cmd  cmd.Doc
	Conn any
}

// EndResult is the reply to EndSession/EndImplicitSession.
type EndResult struct {
	ServerSession ServerSession
	Ended         bool // false means "noop": an explicit session ignored EndImplicitSession
}

// Machine is the per-session transaction state machine: a single actor
// goroutine reachable only through its mailbox. No exported field exposes
// mutable state; every method round-trips through the mailbox so at most
// one request is in flight against the underlying state at any time.
type Machine struct {
	mailbox chan any
	done    chan struct{}
}

// minimum buffering so AdvanceOperationTime, a fire-and-forget cast, rarely
// has to fall back to a background goroutine to avoid blocking its caller.
const castBuffer = 16

// New starts the actor goroutine and returns a handle to it.
func New(cfg Config) *Machine {
	m := &Machine{
		mailbox: make(chan any, castBuffer),
		done:    make(chan struct{}),
	}
	go m.run(cfg)
	return m
}

type actor struct {
	conn              any
	wireVersion       uint32
	implicit          bool
	causalConsistency bool
	serverSession     ServerSession
	operationTime     *ClusterTime
	exec              Executor
	log               logger.Logger
	opts              Options
	state             State
}

func (m *Machine) run(cfg Config) {
	a := &actor{
		conn:              cfg.Conn,
		wireVersion:       cfg.WireVersion,
		implicit:          cfg.Implicit,
		causalConsistency: cfg.CausalConsistency,
		serverSession:     cfg.ServerSession,
		exec:              cfg.Executor,
		log:               cfg.Log,
		opts:              cfg.Opts,
		state:             NoTransaction,
	}

	defer func() {
		if r := recover(); r != nil {
			a.log.Error(errors.Wrapf(ErrFatalTermination, "%v", r))
			a.cleanupAfterPanic()
			close(m.done)
		}
	}()

	for req := range m.mailbox {
		stop := a.dispatch(req)
		if stop {
			break
		}
	}
	close(m.done)
}

// dispatch handles one mailbox message and reports whether the actor should
// stop after it (true only for EndSession, and for EndImplicitSession when
// the session is actually implicit).
func (a *actor) dispatch(req any) (stop bool) {
	switch r := req.(type) {
	case startTxnReq:
		r.reply <- a.startTransaction()
	case bindReq:
		r.reply <- a.bindSession(r.cmd)
	case commitReq:
		r.reply <- a.commitTransaction(r.ctx)
	case abortReq:
		r.reply <- a.abortTransaction(r.ctx)
	case connReq:
		r.reply <- a.conn
	case serverSessionReq:
		r.reply <- serverSessionResult{serverSession: a.serverSession, implicit: a.implicit}
	case advanceOpTimeReq:
		a.advanceOperationTime(r.t)
	case endSessionReq:
		a.log.Debugf("ending session %s", a.serverSession.ID)
		r.reply <- a.terminate()
		return true
	case endImplicitReq:
		if !a.implicit {
			r.reply <- EndResult{Ended: false}
			return false
		}
		a.log.Debugf("ending implicit session %s", a.serverSession.ID)
		r.reply <- a.terminate()
		return true
	}
	return false
}

func (a *actor) terminate() EndResult {
	a.cleanupOnTermination()
	return EndResult{ServerSession: a.serverSession, Ended: true}
}

// cleanupOnTermination issues the abort command if the session is mid
// transaction, as the last act before the actor goroutine returns.
func (a *actor) cleanupOnTermination() {
	if a.state != TransactionInProgress {
		return
	}
	_, err := a.abortCommand(context.Background())
	if err != nil {
		a.log.Warn(errors.WrapFail(err, "abort transaction during session termination"))
	}
	a.state = TransactionAborted
}

// cleanupAfterPanic runs cleanupOnTermination under its own recover: the
// collaborator that panicked once (typically Executor.Exec) may panic again
// on the abort it issues, and that second panic must not escape the already
// panicking goroutine's deferred handler uncaught.
func (a *actor) cleanupAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error(errors.Wrapf(ErrFatalTermination, "abort during panic cleanup: %v", r))
		}
	}()
	a.cleanupOnTermination()
}

func (a *actor) startTransaction() error {
	switch a.state {
	case NoTransaction, TransactionCommitted, TransactionAborted:
	default:
		return ErrProtocolMisuse
	}

	next, err := a.serverSession.NextTxnNum()
	if err != nil {
		return err
	}
	a.serverSession = next
	a.state = StartingTransaction
	return nil
}

func (a *actor) bindSession(c cmd.Doc) BindResult {
	if a.wireVersion < 6 {
		return BindResult{Cmd: c, Conn: a.conn}
	}

	switch a.state {
	case NoTransaction, TransactionCommitted, TransactionAborted:
		c = c.Set(bson.E{Key: "lsid", Value: a.lsid()})
		c = a.setReadConcern(c)
	case StartingTransaction:
		c = c.Set(
			bson.E{Key: "lsid", Value: a.lsid()},
			bson.E{Key: "txnNumber", Value: a.serverSession.TxnNum},
			bson.E{Key: "startTransaction", Value: true},
			bson.E{Key: "autocommit", Value: false},
		)
		c = a.setReadConcern(c)
		c = c.Drop("writeConcern")
		a.state = TransactionInProgress
	case TransactionInProgress:
		c = c.Set(
			bson.E{Key: "lsid", Value: a.lsid()},
			bson.E{Key: "txnNumber", Value: a.serverSession.TxnNum},
			bson.E{Key: "autocommit", Value: false},
		)
		c = c.Drop("readConcern", "writeConcern")
	}

	return BindResult{Cmd: c, Conn: a.conn}
}

func (a *actor) lsid() bson.D {
	return bson.D{{Key: "id", Value: primitive.Binary{Subtype: 0x04, Data: a.serverSession.ID[:]}}}
}

func (a *actor) setReadConcern(c cmd.Doc) cmd.Doc {
	existing, _ := c.Get("readConcern")
	rc := toDoc(existing)

	if a.causalConsistency && a.operationTime != nil {
		ts := primitive.Timestamp{T: a.operationTime.Seconds, I: a.operationTime.Increment}
		rc = cmd.Merge(rc, cmd.New(bson.E{Key: "afterClusterTime", Value: ts}))
	}

	if merged, ok := cmd.DropEmpty(rc); ok {
		return c.Set(bson.E{Key: "readConcern", Value: merged.D()})
	}
	return c.Drop("readConcern")
}

func toDoc(v any) cmd.Doc {
	switch rc := v.(type) {
	case bson.D:
		return cmd.FromD(rc)
	case cmd.Doc:
		return rc
	default:
		return nil
	}
}

func (a *actor) commitTransaction(ctx context.Context) error {
	switch a.state {
	case StartingTransaction:
		a.state = TransactionCommitted
		return nil
	case TransactionInProgress:
		a.log.Infof("running commit transaction for session %s", a.serverSession.ID)
		_, err := a.commitCommand(ctx)
		a.state = TransactionCommitted
		if err != nil {
			return fmt.Errorf("can't commit transaction: %w: %w", ErrWire, err)
		}
		return nil
	default:
		return ErrNoTransactionStarted
	}
}

func (a *actor) abortTransaction(ctx context.Context) error {
	switch a.state {
	case StartingTransaction:
		a.state = TransactionAborted
		return nil
	case TransactionInProgress:
		a.log.Infof("running abort transaction for session %s", a.serverSession.ID)
		_, err := a.abortCommand(ctx)
		a.state = TransactionAborted
		if err != nil {
			return fmt.Errorf("can't abort transaction: %w: %w", ErrWire, err)
		}
		return nil
	default:
		return ErrNoTransactionStarted
	}
}

func (a *actor) commitCommand(ctx context.Context) (cmd.Doc, error) {
	c := cmd.New(
		bson.E{Key: "commitTransaction", Value: 1},
		bson.E{Key: "lsid", Value: a.lsid()},
		bson.E{Key: "txnNumber", Value: a.serverSession.TxnNum},
		bson.E{Key: "autocommit", Value: false},
	)
	if wc, ok := cmd.WriteConcern(a.opts.WriteConcern); ok {
		c = c.Set(bson.E{Key: "writeConcern", Value: wc.D()})
	}
	if a.opts.MaxCommitTimeMS != nil {
		c = c.Set(bson.E{Key: "maxTimeMS", Value: *a.opts.MaxCommitTimeMS})
	}
	dctx, cancel := a.detachedDispatchContext(ctx)
	defer cancel()
	return a.exec.Exec(dctx, a.conn, c, adminDatabase)
}

func (a *actor) abortCommand(ctx context.Context) (cmd.Doc, error) {
	c := cmd.New(
		bson.E{Key: "abortTransaction", Value: 1},
		bson.E{Key: "lsid", Value: a.lsid()},
		bson.E{Key: "txnNumber", Value: a.serverSession.TxnNum},
		bson.E{Key: "autocommit", Value: false},
	)
	if wc, ok := cmd.WriteConcern(a.opts.WriteConcern); ok {
		c = c.Set(bson.E{Key: "writeConcern", Value: wc.D()})
	}
	dctx, cancel := a.detachedDispatchContext(ctx)
	defer cancel()
	return a.exec.Exec(dctx, a.conn, c, adminDatabase)
}

// detachedDispatchContext strips ctx's cancellation before the commit/abort
// network call begins: a caller context cancelled after the actor accepted
// the request must not abort a transition already in flight. ctx's values
// (including any session binding the connection handle carries) are kept;
// only Done()/Err() are detached. MaxCommitTimeMS, when set, still bounds
// the call — the server enforces it via the maxTimeMS wire field, but a
// client-side timeout keeps a stalled connection from blocking the actor
// forever.
func (a *actor) detachedDispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if a.opts.MaxCommitTimeMS == nil {
		return detached, func() {}
	}
	return context.WithTimeout(detached, time.Duration(*a.opts.MaxCommitTimeMS)*time.Millisecond)
}

func (a *actor) advanceOperationTime(t ClusterTime) {
	if a.operationTime == nil || a.operationTime.Less(t) {
		a.operationTime = &t
	}
}
