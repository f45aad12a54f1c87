package session

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nikmy/mongosess/internal/cmd"
)

// UpdateSession extracts operationTime from a command reply and advances
// the machine's causal timestamp, but only when the write that produced the
// reply was acknowledged — an unacknowledged write carries no causal
// guarantee. It returns doc unchanged and is idempotent under replay of the
// same timestamp; a reply with no operationTime key is tolerated silently.
func (m *Machine) UpdateSession(doc cmd.Doc, wc cmd.WriteConcernOpts) cmd.Doc {
	if !wc.Acknowledged() {
		return doc
	}

	raw, ok := doc.Get("operationTime")
	if !ok {
		return doc
	}

	ts, ok := raw.(primitive.Timestamp)
	if !ok {
		return doc
	}

	m.AdvanceOperationTime(ClusterTime{Seconds: ts.T, Increment: ts.I})
	return doc
}
