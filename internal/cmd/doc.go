// Package cmd implements an order-preserving BSON command document builder.
//
// MongoDB command documents are order-sensitive: the first key names the
// command ("insert", "commitTransaction", ...) and the server rejects a
// document where that key isn't first. A Go map loses that order, so session
// decoration is built on Doc instead of bson.M.
package cmd

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Doc is an ordered association of command keys to values. It wraps bson.D
// so it marshals exactly like any other BSON document, but every helper on
// it preserves insertion order through merge, drop and null-filter.
type Doc bson.D

// New builds a Doc from the given key/value pairs, in order.
func New(kvs ...bson.E) Doc {
	d := make(Doc, 0, len(kvs))
	return d.Set(kvs...)
}

// FromD wraps an existing bson.D without copying, preserving its order.
func FromD(d bson.D) Doc {
	return Doc(d)
}

// D returns the underlying bson.D for marshaling or driver calls.
func (d Doc) D() bson.D {
	return bson.D(d)
}

// Get returns the value for key and whether it was present.
func (d Doc) Get(key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set appends or overwrites each key, preserving the position of keys that
// already exist and appending new ones in the given order. A value of nil is
// dropped rather than stored, so callers can unconditionally "set" optional
// fields and rely on Set to null-filter them.
func (d Doc) Set(kvs ...bson.E) Doc {
	out := d
	for _, kv := range kvs {
		if isAbsent(kv.Value) {
			out = out.dropKey(kv.Key)
			continue
		}
		out = out.setOne(kv.Key, kv.Value)
	}
	return out
}

func (d Doc) setOne(key string, value any) Doc {
	for i, e := range d {
		if e.Key == key {
			out := make(Doc, len(d))
			copy(out, d)
			out[i].Value = value
			return out
		}
	}
	out := make(Doc, len(d), len(d)+1)
	copy(out, d)
	return append(out, bson.E{Key: key, Value: value})
}

// Drop removes the given keys, preserving the relative order of the rest.
func (d Doc) Drop(keys ...string) Doc {
	out := d
	for _, k := range keys {
		out = out.dropKey(k)
	}
	return out
}

func (d Doc) dropKey(key string) Doc {
	idx := -1
	for i, e := range d {
		if e.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return d
	}
	out := make(Doc, 0, len(d)-1)
	out = append(out, d[:idx]...)
	out = append(out, d[idx+1:]...)
	return out
}

// Merge overlays patch onto base: keys present in both keep base's position
// but take patch's value, and keys only in patch are appended in patch's
// order. A nil value in patch drops the key from the result entirely.
func Merge(base, patch Doc) Doc {
	out := base
	for _, e := range patch {
		if isAbsent(e.Value) {
			out = out.dropKey(e.Key)
			continue
		}
		out = out.setOne(e.Key, e.Value)
	}
	return out
}

// DropEmpty returns (d, false) if d has no elements, signalling that the
// caller should omit the key entirely rather than emit an empty subdocument.
func DropEmpty(d Doc) (Doc, bool) {
	if len(d) == 0 {
		return nil, false
	}
	return d, true
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	if p, ok := v.(*Doc); ok {
		return p == nil
	}
	return false
}
