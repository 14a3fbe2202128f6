package types

// A RootMarker exposes a set of GC roots to the heap. The machine registers
// one for its stack, frames, globals and open upvalues; the compiler
// registers one for the chain of functions being built.
type RootMarker interface {
	MarkRoots(h *Heap)
}

// GC tuning defaults: first collection once roughly a megabyte of payload is
// live, then grow the threshold by the factor after each collection.
const (
	defaultNextGC     = 1 << 20
	defaultGrowFactor = 2

	// accounted cost of an object header; payload bytes are added per kind
	objectBaseSize = 64
	valueSize      = 32
)

// Heap owns every lotus object: it is the single allocation funnel, it
// threads objects on the allocation list, it interns strings, and it runs the
// precise tri-color mark-sweep collector. A Heap is not safe for concurrent
// use; the execution model is single-threaded.
type Heap struct {
	objects        *Object
	nextID         uint32
	bytesAllocated int
	nextGC         int
	growFactor     int
	stress         bool
	gcRunning      bool
	collections    int

	gray      []*Object
	strings   Table // intern set, weak keys
	roots     []RootMarker
	protected []Value // temp roots across multi-step constructions
}

// NewHeap returns a heap with default GC tuning.
func NewHeap() *Heap {
	return &Heap{nextGC: defaultNextGC, growFactor: defaultGrowFactor}
}

// SetStress forces a collection on every allocation. For testing.
func (h *Heap) SetStress(on bool) { h.stress = on }

// SetGrowFactor sets the factor applied to the live byte count to compute the
// next collection threshold. Values below 2 are ignored.
func (h *Heap) SetGrowFactor(f int) {
	if f >= 2 {
		h.growFactor = f
	}
}

// SetNextGC sets the byte threshold of the next collection.
func (h *Heap) SetNextGC(n int) {
	if n > 0 {
		h.nextGC = n
	}
}

// AddRoots registers a root marker with the heap.
func (h *Heap) AddRoots(m RootMarker) { h.roots = append(h.roots, m) }

// RemoveRoots unregisters a previously registered root marker.
func (h *Heap) RemoveRoots(m RootMarker) {
	for i, r := range h.roots {
		if r == m {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// Protect pushes v on the heap's temp-root stack so that it survives a
// collection triggered before it is wired into a reachable structure.
func (h *Heap) Protect(v Value) { h.protected = append(h.protected, v) }

// Unprotect pops the most recent temp root.
func (h *Heap) Unprotect() { h.protected = h.protected[:len(h.protected)-1] }

// BytesAllocated returns the accounted live payload bytes.
func (h *Heap) BytesAllocated() int { return h.bytesAllocated }

// Collections returns the number of completed collection cycles.
func (h *Heap) Collections() int { return h.collections }

// NumObjects returns the length of the allocation list. For testing.
func (h *Heap) NumObjects() int {
	n := 0
	for o := h.objects; o != nil; o = o.next {
		n++
	}
	return n
}

// allocate accounts size bytes, possibly collecting first, and threads a new
// object of the given kind onto the allocation list. The collection happens
// before the object exists, so a newborn can never be reaped by the cycle its
// own allocation triggers.
func (h *Heap) allocate(kind ObjKind, size int) *Object {
	h.bytesAllocated += size
	if h.stress || h.bytesAllocated > h.nextGC {
		h.Collect()
	}
	h.nextID++
	o := &Object{kind: kind, id: h.nextID, size: size, next: h.objects}
	h.objects = o
	return o
}

// StringValue returns the string value for b: inline if it fits, otherwise
// the interned heap string, allocating it on first use. The byte content is
// copied.
func (h *Heap) StringValue(b []byte) Value {
	if len(b) <= shortStringLen {
		return shortString(b)
	}
	hash := HashBytes(b)
	if o := h.strings.FindString(b, hash); o != nil {
		return ObjValue(o)
	}
	o := h.allocate(OString, objectBaseSize+len(b))
	o.bytes = append([]byte(nil), b...)
	o.hash = hash
	v := ObjValue(o)
	h.Protect(v)
	h.strings.Install(v, Nil)
	h.Unprotect()
	return v
}

// NewFunction allocates an empty function object; the compiler fills in the
// chunk, arity and upvalue count as it parses the body.
func (h *Heap) NewFunction() *Object {
	o := h.allocate(OFunction, objectBaseSize+valueSize)
	o.Fn = &Function{}
	return o
}

// NewNative allocates a native function object.
func (h *Heap) NewNative(name string, arity int, fn NativeFn) *Object {
	o := h.allocate(ONative, objectBaseSize)
	o.Native = &Native{Fn: fn, Arity: arity, Name: name}
	return o
}

// NewUpvalue allocates an open upvalue addressing stack[slot].
func (h *Heap) NewUpvalue(stack []Value, slot int) *Object {
	o := h.allocate(OUpvalue, objectBaseSize+valueSize)
	o.Upvalue = &Upvalue{stack: stack, slot: slot, open: true}
	return o
}

// NewClosure allocates a closure over fn with room for its declared
// upvalues; the machine fills the slots while executing the CLOSURE opcode.
func (h *Heap) NewClosure(fn *Object) *Object {
	n := fn.Fn.UpvalueCount
	o := h.allocate(OClosure, objectBaseSize+n*valueSize)
	o.Closure = &Closure{Fn: fn, Upvalues: make([]*Object, n)}
	return o
}

// NewClass allocates a class with empty method tables.
func (h *Heap) NewClass(name Value) *Object {
	o := h.allocate(OClass, objectBaseSize+valueSize)
	o.Class = &Class{Name: name}
	return o
}

// NewInstance allocates an instance of class with no fields.
func (h *Heap) NewInstance(class *Object) *Object {
	o := h.allocate(OInstance, objectBaseSize)
	o.Instance = &Instance{Class: class}
	return o
}

// NewBoundMethod allocates a bound method pairing receiver and method.
func (h *Heap) NewBoundMethod(receiver Value, method *Object) *Object {
	o := h.allocate(OBoundMethod, objectBaseSize+valueSize)
	o.Bound = &BoundMethod{Receiver: receiver, Method: method}
	return o
}

// NewArray allocates an array object taking ownership of elems.
func (h *Heap) NewArray(elems []Value) *Object {
	o := h.allocate(OArray, objectBaseSize+len(elems)*valueSize)
	o.Elems = elems
	return o
}

// Collect runs a full mark-sweep cycle. A re-entrant trigger (an allocation
// performed while collecting) is suppressed.
func (h *Heap) Collect() {
	if h.gcRunning {
		return
	}
	h.gcRunning = true

	// mark phase
	for _, m := range h.roots {
		m.MarkRoots(h)
	}
	for _, v := range h.protected {
		h.MarkValue(v)
	}
	for len(h.gray) > 0 {
		o := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(o)
	}

	// the intern table holds strings weakly: drop entries about to die
	h.strings.removeUnmarked()

	h.sweep()

	h.nextGC = h.bytesAllocated * h.growFactor
	if h.nextGC < 1 {
		h.nextGC = defaultNextGC
	}
	h.collections++
	h.gcRunning = false
}

// MarkValue marks the object held by v, if any.
func (h *Heap) MarkValue(v Value) {
	if v.IsObj() {
		h.MarkObject(v.AsObj())
	}
}

// MarkObject marks o and schedules its children for marking.
func (h *Heap) MarkObject(o *Object) {
	if o == nil || o.marked {
		return
	}
	o.marked = true
	h.gray = append(h.gray, o)
}

// MarkTable marks every key and value of t.
func (h *Heap) MarkTable(t *Table) {
	t.Range(func(k, v Value) bool {
		h.MarkValue(k)
		h.MarkValue(v)
		return true
	})
}

// blacken marks the children of o according to its kind.
func (h *Heap) blacken(o *Object) {
	switch o.kind {
	case OString, ONative:
		// no children
	case OUpvalue:
		h.MarkValue(o.Upvalue.closed)
	case OFunction:
		h.MarkValue(o.Fn.Name)
		for _, c := range o.Fn.Chunk.Constants {
			h.MarkValue(c)
		}
	case OClosure:
		h.MarkObject(o.Closure.Fn)
		for _, up := range o.Closure.Upvalues {
			h.MarkObject(up)
		}
	case OClass:
		h.MarkValue(o.Class.Name)
		h.MarkTable(&o.Class.Methods)
		h.MarkTable(&o.Class.Statics)
	case OInstance:
		h.MarkObject(o.Instance.Class)
		h.MarkTable(&o.Instance.Fields)
	case OBoundMethod:
		h.MarkValue(o.Bound.Receiver)
		h.MarkObject(o.Bound.Method)
	case OArray:
		for _, e := range o.Elems {
			h.MarkValue(e)
		}
	}
}

// sweep walks the allocation list, unmarking survivors and freeing the rest.
func (h *Heap) sweep() {
	var prev *Object
	o := h.objects
	for o != nil {
		if o.marked {
			o.marked = false
			prev = o
			o = o.next
			continue
		}
		dead := o
		o = o.next
		if prev == nil {
			h.objects = o
		} else {
			prev.next = o
		}
		h.free(dead)
	}
}

// free releases the accounted bytes of o and drops its payload so that
// anything it referenced is no longer reachable through it.
func (h *Heap) free(o *Object) {
	h.bytesAllocated -= o.size
	o.bytes = nil
	o.Fn = nil
	o.Native = nil
	o.Upvalue = nil
	o.Closure = nil
	o.Class = nil
	o.Instance = nil
	o.Bound = nil
	o.Elems = nil
	o.next = nil
}
