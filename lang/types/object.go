package types

import "fmt"

// ObjKind discriminates the kinds of heap objects. The garbage collector and
// the printer switch over it exhaustively.
type ObjKind uint8

//nolint:revive
const (
	OString ObjKind = iota
	OFunction
	ONative
	OUpvalue
	OClosure
	OClass
	OInstance
	OBoundMethod
	OArray
)

var objKindNames = [...]string{
	OString:      "string",
	OFunction:    "function",
	ONative:      "native",
	OUpvalue:     "upvalue",
	OClosure:     "closure",
	OClass:       "class",
	OInstance:    "instance",
	OBoundMethod: "bound method",
	OArray:       "array",
}

func (k ObjKind) String() string { return objKindNames[k] }

// Object is a heap object. Every object carries the GC mark bit and the next
// pointer threading it on the heap's allocation list; exactly one payload
// field is set according to kind. Objects are created only through the Heap
// constructors and owned by the Heap, never by any single holder.
type Object struct {
	kind   ObjKind
	marked bool
	next   *Object
	id     uint32 // allocation id, used as the hash of non-string objects
	size   int    // accounted bytes, released on free

	// OString
	bytes []byte
	hash  uint32

	Fn       *Function    // OFunction
	Native   *Native      // ONative
	Upvalue  *Upvalue     // OUpvalue
	Closure  *Closure     // OClosure
	Class    *Class       // OClass
	Instance *Instance    // OInstance
	Bound    *BoundMethod // OBoundMethod
	Elems    []Value      // OArray
}

// Kind returns the kind of the object.
func (o *Object) Kind() ObjKind { return o.kind }

// Bytes returns the byte content of a string object.
func (o *Object) Bytes() []byte { return o.bytes }

// Hash returns the cached FNV-1a hash of a string object.
func (o *Object) Hash() uint32 { return o.hash }

// A Function is the compiled form of a function declaration (or of the
// top-level script): its arity, the number of upvalues its body captures, the
// chunk of bytecode, and an optional name. The name is a string value (short
// names are stored inline, like any other string); it is Nil for the
// top-level script.
type Function struct {
	Arity        int
	UpvalueCount int
	Chunk        Chunk
	Name         Value
}

// NativeFn is the signature of a native (Go-implemented) function. A non-nil
// error is raised as a runtime error naming the native.
type NativeFn func(args []Value) (Value, error)

// A Native is a function implemented in Go, with a fixed arity.
type Native struct {
	Fn    NativeFn
	Arity int
	Name  string
}

// An Upvalue is a closure's view of a variable. While open it addresses a
// slot of the machine's value stack; once closed it owns the value inline.
// Open upvalues are linked in a per-machine list sorted by the stack slot
// they reference, descending.
type Upvalue struct {
	stack []Value // backing stack while open
	slot  int
	open  bool

	closed Value
	Next   *Object // next open upvalue (lower slot), maintained by the machine
}

// Slot returns the stack slot an open upvalue refers to, or -1 once closed.
func (u *Upvalue) Slot() int {
	if !u.open {
		return -1
	}
	return u.slot
}

// Open reports whether the upvalue still points into the stack.
func (u *Upvalue) Open() bool { return u.open }

// Get reads through the upvalue, from the stack slot while open, from the
// closed box afterwards.
func (u *Upvalue) Get() Value {
	if u.open {
		return u.stack[u.slot]
	}
	return u.closed
}

// Set writes through the upvalue.
func (u *Upvalue) Set(v Value) {
	if u.open {
		u.stack[u.slot] = v
		return
	}
	u.closed = v
}

// Close copies the stack slot into the upvalue and detaches it from the
// stack. Closing an already-closed upvalue is a no-op.
func (u *Upvalue) Close() {
	if !u.open {
		return
	}
	u.closed = u.stack[u.slot]
	u.open = false
	u.stack = nil
	u.Next = nil
}

// A Closure pairs a function with the upvalues it captured, one per upvalue
// slot declared by the function.
type Closure struct {
	Fn       *Object   // function object
	Upvalues []*Object // upvalue objects
}

// A Class has a name, a method table and a table of static methods. Method
// values are closures.
type Class struct {
	Name    Value // string value
	Methods Table
	Statics Table
}

// An Instance belongs to a class and carries its own field table.
type Instance struct {
	Class  *Object
	Fields Table
}

// A BoundMethod pairs a receiver with a method closure so that the method
// can be passed around as a value.
type BoundMethod struct {
	Receiver Value
	Method   *Object // closure object
}

// String returns the printed representation of the object.
func (o *Object) String() string {
	switch o.kind {
	case OString:
		return string(o.bytes)
	case OFunction:
		return fnString(o)
	case ONative:
		return "<native fn>"
	case OUpvalue:
		return "upvalue"
	case OClosure:
		return fnString(o.Closure.Fn)
	case OClass:
		return o.Class.Name.AsString()
	case OInstance:
		return o.Instance.Class.Class.Name.AsString() + " instance"
	case OBoundMethod:
		return fnString(o.Bound.Method.Closure.Fn)
	case OArray:
		s := "["
		for i, e := range o.Elems {
			if i > 0 {
				s += ", "
			}
			s += e.String()
		}
		return s + "]"
	}
	return fmt.Sprintf("unknown object kind %d", o.kind)
}

func fnString(fn *Object) string {
	if fn.Fn.Name.IsNil() {
		return "<script>"
	}
	return "<fn " + fn.Fn.Name.AsString() + ">"
}
