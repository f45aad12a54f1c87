package session

import "github.com/nikmy/mongosess/pkg/errors"

// ErrProtocolMisuse is returned when an operation is invalid for the
// machine's current state. The state is left unchanged.
var ErrProtocolMisuse = errors.Error("protocol misuse")

// ErrNoTransactionStarted is the specific protocol misuse raised by
// CommitTransaction/AbortTransaction outside StartingTransaction or
// TransactionInProgress.
var ErrNoTransactionStarted = errors.Wrap(ErrProtocolMisuse, "no transaction started")

// ErrWire is the error kind surfaced from the wire driver collaborator on
// commit/abort dispatch. The state has already transitioned by the time
// this is returned to the caller.
var ErrWire = errors.Error("wire error")

// ErrFatalTermination marks a machine that crashed out of its actor loop.
// The cleanup abort performed on the way out is best-effort and this error
// is only ever logged, never returned to a caller.
var ErrFatalTermination = errors.Error("fatal session termination")
