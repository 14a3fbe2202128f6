// Package types provides the runtime representation of lotus values: the
// tagged Value, the kinds of heap objects, the open-addressed hash table used
// by the runtime, the bytecode Chunk, and the garbage-collected Heap that
// owns every object.
package types

import (
	"strconv"
)

// ValueKind discriminates the variants of a Value.
type ValueKind uint8

//nolint:revive
const (
	KindNil ValueKind = iota // the zero Value is nil
	KindBool
	KindNumber
	KindShortString // string of at most shortStringLen bytes, stored inline
	KindObject
)

// shortStringLen is the maximum byte length of a string stored inline in a
// Value. Strings up to this length never exist as heap objects, and heap
// strings are always longer, so equality never has to compare across the two
// representations.
const shortStringLen = 8

// Value is the tagged union manipulated by the compiler and the machine. The
// operation surface below is representation-independent so that an alternate
// encoding (e.g. NaN boxing) can be swapped in without touching callers; this
// implementation is the tagged union.
type Value struct {
	kind ValueKind
	b    bool
	num  float64
	sstr [shortStringLen]byte
	slen uint8
	obj  *Object
}

// Nil is the nil value. It is also the zero Value.
var Nil = Value{}

// True and False are the two boolean values.
var (
	True  = Value{kind: KindBool, b: true}
	False = Value{kind: KindBool}
)

// Bool returns the boolean value b.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Number returns the number value f.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// ObjValue returns a value holding the heap object o.
func ObjValue(o *Object) Value { return Value{kind: KindObject, obj: o} }

// shortString returns an inline string value. It panics if b is longer than
// shortStringLen; callers go through Heap.StringValue which picks the
// representation.
func shortString(b []byte) Value {
	if len(b) > shortStringLen {
		panic("types: short string too long")
	}
	v := Value{kind: KindShortString, slen: uint8(len(b))}
	copy(v.sstr[:], b)
	return v
}

// Kind returns the variant of the value.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNil() bool    { return v.kind == KindNil }
func (v Value) IsBool() bool   { return v.kind == KindBool }
func (v Value) IsNumber() bool { return v.kind == KindNumber }
func (v Value) IsObj() bool    { return v.kind == KindObject }

// IsString returns true for both inline and heap strings.
func (v Value) IsString() bool {
	return v.kind == KindShortString ||
		v.kind == KindObject && v.obj.kind == OString
}

// IsObjKind returns true if the value holds a heap object of kind k.
func (v Value) IsObjKind(k ObjKind) bool {
	return v.kind == KindObject && v.obj.kind == k
}

// AsBool returns the boolean payload. Valid only if IsBool.
func (v Value) AsBool() bool { return v.b }

// AsNumber returns the number payload. Valid only if IsNumber.
func (v Value) AsNumber() float64 { return v.num }

// AsObj returns the object payload. Valid only if IsObj.
func (v Value) AsObj() *Object { return v.obj }

// AsString returns the string payload of an inline or heap string value.
// Valid only if IsString.
func (v Value) AsString() string {
	if v.kind == KindShortString {
		return string(v.sstr[:v.slen])
	}
	return string(v.obj.bytes)
}

// Truth reports the truthiness of the value: nil and false are falsy,
// everything else is truthy.
func (v Value) Truth() bool {
	return !(v.kind == KindNil || v.kind == KindBool && !v.b)
}

// Equal reports value equality: numbers by IEEE ==, booleans by value, nil
// equals nil, short strings by bytes, objects by pointer identity (string
// interning makes identity correct for heap strings).
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == w.b
	case KindNumber:
		return v.num == w.num
	case KindShortString:
		return v.slen == w.slen && v.sstr == w.sstr
	default:
		return v.obj == w.obj
	}
}

// Hash returns the hash of the value for use as a table key. Numbers hash as
// their integer cast, booleans as 0/1, nil as 0; objects dispatch by kind
// (strings use their cached FNV-1a hash, other objects their allocation id).
func (v Value) Hash() uint32 {
	switch v.kind {
	case KindNil:
		return 0
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindNumber:
		return uint32(int64(v.num))
	case KindShortString:
		return HashBytes(v.sstr[:v.slen])
	default:
		if v.obj.kind == OString {
			return v.obj.hash
		}
		return v.obj.id
	}
}

// String returns the printed representation of the value, as produced by the
// print statement.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindShortString:
		return string(v.sstr[:v.slen])
	default:
		return v.obj.String()
	}
}

// HashBytes returns the FNV-1a hash of b, the hash function used for all
// string keys and the intern table.
func HashBytes(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}
