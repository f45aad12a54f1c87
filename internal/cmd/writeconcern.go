package cmd

import "go.mongodb.org/mongo-driver/bson"

// WriteConcernOpts carries the recognized write-concern option keys: w,
// wtimeout, j.
type WriteConcernOpts struct {
	W        any // string ("majority") or int
	WTimeout *int64
	J        *bool
}

// IsZero reports whether no write-concern field was set.
func (o WriteConcernOpts) IsZero() bool {
	return o.W == nil && o.WTimeout == nil && o.J == nil
}

// WriteConcern assembles a writeConcern subdocument from the recognized
// option keys, in a stable w/wtimeout/j order. Returns (nil, false) when no
// field is set, so callers can drop the writeConcern key entirely.
func WriteConcern(o WriteConcernOpts) (Doc, bool) {
	if o.IsZero() {
		return nil, false
	}

	var d Doc
	if o.W != nil {
		d = d.Set(bson.E{Key: "w", Value: o.W})
	}
	if o.WTimeout != nil {
		d = d.Set(bson.E{Key: "wtimeout", Value: *o.WTimeout})
	}
	if o.J != nil {
		d = d.Set(bson.E{Key: "j", Value: *o.J})
	}
	return d, true
}

// Acknowledged reports whether a write concern requests acknowledgement.
// An explicit w:0 is unacknowledged; anything else, including an absent
// write concern (the driver default), is acknowledged.
func (o WriteConcernOpts) Acknowledged() bool {
	switch w := o.W.(type) {
	case int:
		return w != 0
	case int32:
		return w != 0
	case int64:
		return w != 0
	default:
		return true
	}
}
