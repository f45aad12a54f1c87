package session

import (
	"math"

	"github.com/google/uuid"

	"github.com/nikmy/mongosess/pkg/errors"
)

// ServerSession is the client-side record of a server-recognized logical
// session: its id and the last transaction number allocated against it.
// It is pure data with one mutator; it performs no I/O and fails only on
// counter overflow, which is unrecoverable.
type ServerSession struct {
	ID     uuid.UUID
	TxnNum int64
}

// NewServerSession generates a fresh session identifier from a
// cryptographically sound source and starts the transaction counter at zero.
func NewServerSession() ServerSession {
	return ServerSession{ID: uuid.New()}
}

// ErrTxnCounterOverflow is returned by NextTxnNum when TxnNum is already at
// math.MaxInt64. The 64-bit counter is effectively unbounded in practice;
// this only guards against it ever actually wrapping.
var ErrTxnCounterOverflow = errors.Error("transaction number counter overflowed")

// NextTxnNum returns a copy of s with TxnNum pre-incremented. The sequence of
// values it produces across the lifetime of a ServerSession is strictly
// monotonically increasing.
func (s ServerSession) NextTxnNum() (ServerSession, error) {
	if s.TxnNum == math.MaxInt64 {
		return s, ErrTxnCounterOverflow
	}
	s.TxnNum++
	return s, nil
}
