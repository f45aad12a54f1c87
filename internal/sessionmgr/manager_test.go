package sessionmgr

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/internal/session"
	"github.com/nikmy/mongosess/internal/topology"
	"github.com/nikmy/mongosess/pkg/logger"
)

type fakeExecutor struct {
	commits int
	aborts  int
}

func (f *fakeExecutor) Exec(_ context.Context, _ any, c cmd.Doc, _ string) (cmd.Doc, error) {
	if _, ok := c.Get("commitTransaction"); ok {
		f.commits++
	}
	if _, ok := c.Get("abortTransaction"); ok {
		f.aborts++
	}
	return nil, nil
}

type fakePool struct {
	mu            sync.Mutex
	checkouts     int
	replaceBefore int
	checkedIn     []session.ServerSession
	checkoutErr   error
}

func (p *fakePool) Checkout(_ context.Context, _ topology.Kind) (topology.Checkout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkouts++
	if p.replaceBefore > 0 {
		p.replaceBefore--
		return topology.Checkout{}, topology.ErrConnectionReplaced
	}
	if p.checkoutErr != nil {
		return topology.Checkout{}, p.checkoutErr
	}

	return topology.Checkout{
		Conn:          "fake-conn",
		ServerSession: session.NewServerSession(),
		WireVersion:   6,
	}, nil
}

func (p *fakePool) Checkin(_ context.Context, s session.ServerSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkedIn = append(p.checkedIn, s)
	return nil
}

func newManager(exec *fakeExecutor) Manager {
	return New(exec, logger.NewStub())
}

func TestWithTransactionCommitsAndChecksInOnSuccess(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{}
	m := newManager(exec)
	ctx := context.Background()

	result, err := m.WithTransaction(ctx, pool, func(ctx context.Context, s *session.Machine) (any, error) {
		_, bindErr := s.BindSession(ctx, cmd.New())
		return "ok", bindErr
	}, Options{})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, exec.commits)
	require.Equal(t, 0, exec.aborts)
	require.Len(t, pool.checkedIn, 1)
}

func TestWithTransactionAbortsAndChecksInOnFailure(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{}
	m := newManager(exec)
	ctx := context.Background()
	wantErr := errors.New("user function failed")

	_, err := m.WithTransaction(ctx, pool, func(ctx context.Context, s *session.Machine) (any, error) {
		_, _ = s.BindSession(ctx, cmd.New())
		return nil, wantErr
	}, Options{})

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 0, exec.commits)
	require.Equal(t, 1, exec.aborts)
	require.Len(t, pool.checkedIn, 1)
}

func TestWithTransactionAbortsAndChecksInOnPanic(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{}
	m := newManager(exec)
	ctx := context.Background()

	_, err := m.WithTransaction(ctx, pool, func(ctx context.Context, s *session.Machine) (any, error) {
		_, _ = s.BindSession(ctx, cmd.New())
		panic("boom")
	}, Options{})

	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, 0, exec.commits)
	require.Equal(t, 1, exec.aborts)
	require.Len(t, pool.checkedIn, 1)
}

func TestStartSessionRetriesOnConnectionReplaced(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{replaceBefore: 2}
	m := newManager(exec)

	s, err := m.StartSession(context.Background(), pool, Options{})
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 3, pool.checkouts)
}

func TestStartSessionGivesUpAfterMaxRetries(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{replaceBefore: topology.MaxCheckoutRetries + 1}
	m := newManager(exec)

	_, err := m.StartSession(context.Background(), pool, Options{})
	require.Error(t, err)
}

func TestStartImplicitSessionReusesExistingSession(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{}
	m := newManager(exec)
	ctx := context.Background()

	existing := session.New(session.Config{
		Conn:          "conn",
		WireVersion:   6,
		ServerSession: session.NewServerSession(),
		Executor:      exec,
		Log:           logger.NewStub(),
	})

	s, err := m.StartImplicitSession(ctx, pool, Options{Session: existing})
	require.NoError(t, err)
	require.Same(t, existing, s)
	require.Equal(t, 0, pool.checkouts)
}

func TestEndImplicitSessionIsNoopAgainstExplicitSession(t *testing.T) {
	exec := &fakeExecutor{}
	pool := &fakePool{}
	m := newManager(exec)
	ctx := context.Background()

	s, err := m.StartSession(ctx, pool, Options{})
	require.NoError(t, err)

	require.NoError(t, m.EndImplicitSession(ctx, pool, s))
	require.Len(t, pool.checkedIn, 0)

	require.NoError(t, m.EndSession(ctx, pool, s))
	require.Len(t, pool.checkedIn, 1)
}
