// Package tvf defines the payload contract carried by every request and
// response flowing through a bus: a message whose fields are addressed by
// numeric tags, so protocol adapters can read and write payloads without
// knowing their concrete type.
//
// The contract is parametric. A processor declares the concrete message
// type it works with and the compiler monomorphises the whole dispatch
// path, so no payload is ever boxed behind an interface on the hot path.
package tvf

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTagMissing = errors.New("tvf: no field for tag")
	ErrTagType    = errors.New("tvf: field has another type")
)

// Message is the contract a payload type must satisfy to travel on a bus.
//
// The type parameter is the implementing type itself, so operations which
// produce a new message (NewEmpty, Clone, Redact) return the concrete type
// and not an interface.
type Message[M any] interface {
	// NewEmpty returns a fresh message with no fields.
	NewEmpty() M

	// Clone returns a deep copy. Mutating the copy never affects the
	// original.
	Clone() M

	PutBytes(tag uint32, val []byte)
	GetBytes(tag uint32) ([]byte, error)
	PutString(tag uint32, val string)
	GetString(tag uint32) (string, error)
	PutInt(tag uint32, val int64)
	GetInt(tag uint32) (int64, error)
	PutUint(tag uint32, val uint64)
	GetUint(tag uint32) (uint64, error)
	PutFloat(tag uint32, val float64)
	GetFloat(tag uint32) (float64, error)
	PutTime(tag uint32, val time.Time)
	GetTime(tag uint32) (time.Time, error)

	// PutMsg nests a whole message under one tag.
	PutMsg(tag uint32, val M)
	GetMsg(tag uint32) (M, error)

	// Del removes a field. Removing an absent tag is a no-op.
	Del(tag uint32)
	Contains(tag uint32) bool
	Len() int

	// Redact returns a copy with the given tags replaced by an opaque
	// marker, for logging and tracing payloads that carry sensitive
	// fields.
	Redact(tags ...uint32) M

	fmt.Stringer
}
