// Package sessionmgr implements the stateless Session Manager facade:
// acquiring sessions from the topology collaborator, running a function
// inside a transaction with guaranteed commit/abort/checkin, and releasing
// sessions back to the pool. It generalizes a start/do/commit-or-abort
// manager parameterized over the topology and wire executor collaborators,
// rather than hardcoding a single global manager.
package sessionmgr

import (
	"context"
	"fmt"

	"github.com/nikmy/mongosess/internal/session"
	"github.com/nikmy/mongosess/internal/topology"
	"github.com/nikmy/mongosess/pkg/errors"
	"github.com/nikmy/mongosess/pkg/logger"
)

// Manager is the Session Manager facade. It holds no per-session state of
// its own: the session.Executor is fixed at New, and every method takes the
// topology.Pool it should operate against, so a single Manager value can
// drive any number of independent pools.
type Manager struct {
	exec session.Executor
	log  logger.Logger
}

func New(exec session.Executor, log logger.Logger) Manager {
	return Manager{exec: exec, log: log.With("session_manager")}
}

// StartSession checks out a session from pool with the explicit marker,
// retrying on the pool's recoverable connection-replaced signal up to
// topology.MaxCheckoutRetries times.
func (m Manager) StartSession(ctx context.Context, pool topology.Pool, opts Options) (*session.Machine, error) {
	return m.checkout(ctx, pool, topology.Explicit, false, opts)
}

// StartImplicitSession returns opts.Session verbatim if present — an
// explicit session subsumes an implicit one — otherwise checks out a new
// session with the implicit marker, with the same retry discipline as
// StartSession.
func (m Manager) StartImplicitSession(ctx context.Context, pool topology.Pool, opts Options) (*session.Machine, error) {
	if opts.Session != nil {
		return opts.Session, nil
	}
	return m.checkout(ctx, pool, topology.Implicit, true, opts)
}

func (m Manager) checkout(ctx context.Context, pool topology.Pool, kind topology.Kind, implicit bool, opts Options) (*session.Machine, error) {
	var lastErr error
	for attempt := 0; attempt <= topology.MaxCheckoutRetries; attempt++ {
		out, err := pool.Checkout(ctx, kind)
		if err == nil {
			return session.New(session.Config{
				Conn:              out.Conn,
				WireVersion:       out.WireVersion,
				Implicit:          implicit,
				CausalConsistency: opts.CausalConsistency,
				ServerSession:     out.ServerSession,
				Executor:          m.exec,
				Log:               m.log,
				Opts:              opts.toSessionOpts(),
			}), nil
		}

		if !errors.Is(err, topology.ErrConnectionReplaced) {
			return nil, errors.WrapFail(err, "check out session")
		}

		lastErr = err
		m.log.Warnf("connection replaced during checkout, retrying (attempt %d/%d)", attempt+1, topology.MaxCheckoutRetries)
	}

	return nil, errors.WrapFail(fmt.Errorf("exhausted checkout retries: %w", lastErr), "check out session")
}

// WithTransaction acquires a new write session, starts a transaction,
// invokes fn, and guarantees commit+checkin on success or abort+checkin on
// failure — including a panic raised inside fn, which is recovered and
// converted into the returned error rather than propagated past the pool
// checkin.
func (m Manager) WithTransaction(
	ctx context.Context,
	pool topology.Pool,
	fn func(ctx context.Context, s *session.Machine) (any, error),
	opts Options,
) (result any, err error) {
	s, err := m.StartSession(ctx, pool, opts)
	if err != nil {
		return nil, errors.WrapFail(err, "start session for transaction")
	}

	defer func() {
		// ctx may already be cancelled by the time a transaction finishes;
		// the session still owns a live ServerSession that must be checked
		// back in regardless, so cleanup runs detached from that
		// cancellation rather than reusing ctx verbatim.
		cleanupCtx := context.WithoutCancel(ctx)
		if endErr := m.EndSession(cleanupCtx, pool, s); endErr != nil {
			if err == nil {
				err = errors.WrapFail(endErr, "end session after transaction")
				return
			}
			m.log.Warn(errors.WrapFail(endErr, "end session after failed transaction"))
		}
	}()

	if err = s.StartTransaction(ctx); err != nil {
		return nil, errors.WrapFail(err, "start transaction")
	}

	result, err = m.runProtected(ctx, s, fn)
	if err != nil {
		if abortErr := s.AbortTransaction(ctx); abortErr != nil {
			m.log.Warn(errors.WrapFail(abortErr, "abort failed transaction"))
		}
		return nil, err
	}

	if err = s.CommitTransaction(ctx); err != nil {
		return nil, errors.WrapFail(err, "commit transaction")
	}

	return result, nil
}

// runProtected recovers a panic raised inside fn and turns it into an error,
// so WithTransaction's abort+checkin path always runs.
func (m Manager) runProtected(
	ctx context.Context,
	s *session.Machine,
	fn func(ctx context.Context, s *session.Machine) (any, error),
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction function: %v", r)
		}
	}()
	return fn(ctx, s)
}

// EndSession stops s unconditionally and checks the recovered ServerSession
// back into pool.
func (m Manager) EndSession(ctx context.Context, pool topology.Pool, s *session.Machine) error {
	res, err := s.EndSession(ctx)
	if err != nil {
		return errors.WrapFail(err, "end session")
	}
	return errors.WrapFail(pool.Checkin(ctx, res.ServerSession), "check in server session")
}

// EndImplicitSession stops s only if it was created implicitly and checks
// its ServerSession back into pool; against an explicit session it is a
// no-op and performs no check-in.
func (m Manager) EndImplicitSession(ctx context.Context, pool topology.Pool, s *session.Machine) error {
	res, err := s.EndImplicitSession(ctx)
	if err != nil {
		return errors.WrapFail(err, "end implicit session")
	}
	if !res.Ended {
		return nil
	}
	return errors.WrapFail(pool.Checkin(ctx, res.ServerSession), "check in server session")
}
