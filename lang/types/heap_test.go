package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// rootSlice is a RootMarker over an explicit slice of values, standing in for
// the machine's stack in these tests.
type rootSlice struct {
	vals []Value
}

func (r *rootSlice) MarkRoots(h *Heap) {
	for _, v := range r.vals {
		h.MarkValue(v)
	}
}

func TestHeapCollectUnreachable(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	kept := ObjValue(h.NewFunction())
	roots.vals = append(roots.vals, kept)
	for i := 0; i < 10; i++ {
		h.NewFunction() // garbage
	}
	require.Equal(t, 11, h.NumObjects())

	h.Collect()
	require.Equal(t, 1, h.NumObjects())
	// the survivor's mark bit must be cleared for the next cycle
	require.False(t, kept.AsObj().marked)

	roots.vals = nil
	h.Collect()
	require.Equal(t, 0, h.NumObjects())
}

func TestHeapMarksChildren(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	name := h.StringValue([]byte("a class name over the limit"))
	class := h.NewClass(name)
	inst := h.NewInstance(class)
	field := h.StringValue([]byte("a field value over the limit"))
	inst.Instance.Fields.Install(h.StringValue([]byte("f")), field)

	fn := h.NewFunction()
	fn.Fn.Chunk.AddConstant(h.StringValue([]byte("a constant string over the limit")))
	closure := h.NewClosure(fn)
	method := h.StringValue([]byte("method name over the limit"))
	class.Class.Methods.Install(method, ObjValue(closure))

	bound := h.NewBoundMethod(ObjValue(inst), closure)
	arr := h.NewArray([]Value{ObjValue(bound)})

	before := h.NumObjects()
	roots.vals = []Value{ObjValue(arr)}
	h.Collect()

	// everything is reachable from the array: bound method -> instance ->
	// class -> methods -> closure -> function -> constants, plus the interned
	// strings
	require.Equal(t, before, h.NumObjects())
}

func TestHeapUpvalueChildren(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	stack := make([]Value, 4)
	stack[0] = h.StringValue([]byte("held through an open upvalue"))
	up := h.NewUpvalue(stack, 0)
	roots.vals = []Value{ObjValue(up)}

	// while open, the value lives in the (rooted) stack; here the stack is
	// not a root so closing is what keeps the value alive
	up.Upvalue.Close()
	require.False(t, up.Upvalue.Open())
	h.Collect()
	require.Equal(t, 2, h.NumObjects())
	require.Equal(t, "held through an open upvalue", up.Upvalue.Get().AsString())

	// closing again is a no-op
	up.Upvalue.Close()
	require.Equal(t, "held through an open upvalue", up.Upvalue.Get().AsString())
}

func TestHeapWeakInternTable(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	content := []byte("an interned but unreachable string")
	v := h.StringValue(content)
	first := v.AsObj()

	// reachable: survives and stays interned
	roots.vals = []Value{v}
	h.Collect()
	require.Same(t, first, h.StringValue(content).AsObj())

	// unreachable: the intern entry is removed before sweep, and a later
	// intern of the same bytes allocates a fresh object
	roots.vals = nil
	h.Collect()
	require.Equal(t, 0, h.NumObjects())
	second := h.StringValue(content).AsObj()
	require.NotSame(t, first, second)
}

func TestHeapStressMode(t *testing.T) {
	h := NewHeap()
	h.SetStress(true)
	roots := &rootSlice{}
	h.AddRoots(roots)

	// every allocation collects; unrooted objects die immediately on the
	// next allocation
	for i := 0; i < 20; i++ {
		h.NewFunction()
	}
	require.LessOrEqual(t, h.NumObjects(), 1)
	require.GreaterOrEqual(t, h.Collections(), 19)
}

func TestHeapProtect(t *testing.T) {
	h := NewHeap()
	h.SetStress(true)

	v := h.StringValue([]byte("protected across an allocation"))
	h.Protect(v)
	h.NewFunction() // triggers a stress collection
	h.Unprotect()
	require.Same(t, v.AsObj(), h.StringValue([]byte("protected across an allocation")).AsObj())
}

func TestHeapBytesAccounting(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	require.Zero(t, h.BytesAllocated())
	v := h.StringValue([]byte("some string beyond the inline max"))
	require.Greater(t, h.BytesAllocated(), 0)
	allocated := h.BytesAllocated()

	roots.vals = []Value{v}
	h.Collect()
	require.Equal(t, allocated, h.BytesAllocated())

	roots.vals = nil
	h.Collect()
	require.Zero(t, h.BytesAllocated())
}

func TestHeapTriggerThreshold(t *testing.T) {
	h := NewHeap()
	h.SetNextGC(200)
	roots := &rootSlice{}
	h.AddRoots(roots)

	// a few small allocations cross the threshold and trigger a cycle
	for i := 0; i < 10; i++ {
		h.NewFunction()
	}
	require.Greater(t, h.Collections(), 0)
}

func TestHeapReachabilityMatchesMarks(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	var reachable []Value
	for i := 0; i < 5; i++ {
		reachable = append(reachable, ObjValue(h.NewArray([]Value{Number(float64(i))})))
	}
	var garbage []*Object
	for i := 0; i < 5; i++ {
		garbage = append(garbage, h.NewArray(nil))
	}
	roots.vals = reachable

	// run only the mark phase by hand, then check marked == reachable
	for _, m := range h.roots {
		m.MarkRoots(h)
	}
	for len(h.gray) > 0 {
		o := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(o)
	}
	for _, v := range reachable {
		require.True(t, v.AsObj().marked)
	}
	for _, o := range garbage {
		require.False(t, o.marked)
	}

	h.strings.removeUnmarked()
	h.sweep()
	require.Equal(t, 5, h.NumObjects())
}

func TestHeapManyStringsIntern(t *testing.T) {
	h := NewHeap()
	roots := &rootSlice{}
	h.AddRoots(roots)

	for i := 0; i < 200; i++ {
		s := h.StringValue([]byte(fmt.Sprintf("interned string number %d", i)))
		if i%2 == 0 {
			roots.vals = append(roots.vals, s)
		}
	}
	h.Collect()
	require.Equal(t, 100, h.NumObjects())
	// survivors are still interned
	require.Same(t, roots.vals[0].AsObj(),
		h.StringValue([]byte("interned string number 0")).AsObj())
}
