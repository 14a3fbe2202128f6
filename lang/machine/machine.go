// Package machine implements the virtual machine that executes the
// bytecode-compiled form of lotus source code: a register-less stack machine
// with call frames, closed-over upvalues, bound methods and a fused
// method-invoke fast path. The machine owns the value stack, the frame
// stack, the globals table and the open-upvalue list, and exposes them as
// roots to the garbage-collected heap.
package machine

import (
	"fmt"
	"io"
	"os"

	"github.com/mna/lotus/lang/compiler"
	"github.com/mna/lotus/lang/types"
)

// Stack sizing: the frame stack is fixed and each frame addresses at most
// 256 slots, bounding the value stack.
const (
	FramesMax = 64
	StackMax  = FramesMax * 256
)

// Result is the outcome of an interpretation.
type Result int

//nolint:revive
const (
	ResultOK Result = iota
	ResultCompileError
	ResultRuntimeError
)

// frame records an active call: the closure being executed, the saved
// instruction pointer, and the base of its stack window. slots points at the
// callable itself (or the receiver, for methods); parameters and locals
// follow.
type frame struct {
	closure *types.Object
	ip      int
	slots   int
}

// Machine is the single VM instance: it owns the stack, frames, globals and
// open upvalues, and drives the dispatch loop. A Machine survives across
// Interpret calls, which is what gives the REPL persistent globals.
type Machine struct {
	// Stdout and Stderr are the writers for program output and error
	// reporting. If nil, os.Stdout and os.Stderr are used.
	Stdout io.Writer
	Stderr io.Writer

	// DumpBytecode makes Interpret print the disassembly of the compiled
	// program before executing it.
	DumpBytecode bool

	heap         *types.Heap
	stack        []types.Value
	sp           int
	frames       []frame
	frameCount   int
	globals      types.Table
	openUpvalues *types.Object
	initString   types.Value
	filename     string
}

var _ types.RootMarker = (*Machine)(nil)

// New returns a machine bound to heap, with the native functions installed
// in its globals.
func New(heap *types.Heap) *Machine {
	m := &Machine{
		heap:   heap,
		stack:  make([]types.Value, StackMax),
		frames: make([]frame, FramesMax),
	}
	heap.AddRoots(m)
	m.initString = heap.StringValue([]byte("init"))
	m.defineNatives()
	return m
}

// Close unregisters the machine from its heap's root set.
func (m *Machine) Close() {
	m.heap.RemoveRoots(m)
}

// MarkRoots exposes the machine's roots to the collector: every live stack
// slot, every frame's closure, the open upvalues, the globals and the init
// string.
func (m *Machine) MarkRoots(h *types.Heap) {
	for i := 0; i < m.sp; i++ {
		h.MarkValue(m.stack[i])
	}
	for i := 0; i < m.frameCount; i++ {
		h.MarkObject(m.frames[i].closure)
	}
	for up := m.openUpvalues; up != nil; up = up.Upvalue.Next {
		h.MarkObject(up)
	}
	h.MarkTable(&m.globals)
	h.MarkValue(m.initString)
}

// Interpret compiles and runs src. Program output goes to Stdout, compile
// and runtime errors to Stderr.
func (m *Machine) Interpret(src []byte, filename string) Result {
	fn := compiler.Compile(src, filename, m.heap, m.stderr())
	if fn == nil {
		return ResultCompileError
	}
	m.filename = filename

	if m.DumpBytecode {
		fmt.Fprint(m.stdout(), compiler.DumpFunction(fn))
	}

	m.push(types.ObjValue(fn))
	closure := m.heap.NewClosure(fn)
	m.pop()
	m.push(types.ObjValue(closure))
	m.call(closure, 0)
	return m.run()
}

func (m *Machine) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

func (m *Machine) stderr() io.Writer {
	if m.Stderr != nil {
		return m.Stderr
	}
	return os.Stderr
}

/* stack */

func (m *Machine) push(v types.Value) {
	m.stack[m.sp] = v
	m.sp++
}

func (m *Machine) pop() types.Value {
	m.sp--
	return m.stack[m.sp]
}

func (m *Machine) peek(dist int) types.Value {
	return m.stack[m.sp-1-dist]
}

func (m *Machine) resetStack() {
	m.sp = 0
	m.frameCount = 0
	m.openUpvalues = nil
}

// runtimeError reports a runtime error with the current source position,
// prints a traceback of the active frames from innermost outward, and resets
// the stack. Callers must have written the cached ip back to the current
// frame beforehand.
func (m *Machine) runtimeError(format string, args ...interface{}) {
	fr := &m.frames[m.frameCount-1]
	chunk := &fr.closure.Closure.Fn.Fn.Chunk
	line := chunk.GetLine(fr.ip - 1)
	fmt.Fprintf(m.stderr(), "%s:%d: runtime error: ", m.filename, line)
	fmt.Fprintf(m.stderr(), format, args...)
	fmt.Fprintln(m.stderr())

	fmt.Fprintln(m.stderr(), "traceback:")
	for i := m.frameCount - 1; i >= 0; i-- {
		fr := &m.frames[i]
		fn := fr.closure.Closure.Fn
		line := fn.Fn.Chunk.GetLine(fr.ip - 1)
		name := "script"
		if !fn.Fn.Name.IsNil() {
			name = fn.Fn.Name.AsString() + "()"
		}
		fmt.Fprintf(m.stderr(), "[line %d] in %s\n", line, name)
	}

	m.resetStack()
}

/* calls */

// call pushes a frame for closure with argc arguments already on the stack.
func (m *Machine) call(closure *types.Object, argc int) bool {
	fn := closure.Closure.Fn.Fn
	if argc != fn.Arity {
		m.runtimeError("expected %d arguments, got %d", fn.Arity, argc)
		return false
	}
	if m.frameCount == FramesMax {
		m.runtimeError("stack overflow")
		return false
	}
	fr := &m.frames[m.frameCount]
	m.frameCount++
	fr.closure = closure
	fr.ip = 0
	fr.slots = m.sp - argc - 1
	return true
}

// callValue implements the call protocol for any callee at peek(argc).
func (m *Machine) callValue(callee types.Value, argc int) bool {
	if callee.IsObj() {
		switch obj := callee.AsObj(); obj.Kind() {
		case types.OClosure:
			return m.call(obj, argc)

		case types.ONative:
			native := obj.Native
			if argc != native.Arity {
				m.runtimeError("expected %d arguments, got %d", native.Arity, argc)
				return false
			}
			result, err := native.Fn(m.stack[m.sp-argc : m.sp])
			if err != nil {
				m.runtimeError("%s: %s", native.Name, err)
				return false
			}
			m.sp -= argc + 1
			m.push(result)
			return true

		case types.OClass:
			inst := m.heap.NewInstance(obj)
			m.stack[m.sp-argc-1] = types.ObjValue(inst)
			if ctor, ok := obj.Class.Methods.Lookup(m.initString); ok {
				return m.call(ctor.AsObj(), argc)
			}
			if argc != 0 {
				m.runtimeError("expected 0 arguments, got %d", argc)
				return false
			}
			return true

		case types.OBoundMethod:
			bound := obj.Bound
			m.stack[m.sp-argc-1] = bound.Receiver
			return m.call(bound.Method, argc)
		}
	}
	m.runtimeError("attempt to call non-callable object")
	return false
}

func (m *Machine) invokeFromClass(class *types.Object, name types.Value, argc int) bool {
	method, ok := class.Class.Methods.Lookup(name)
	if !ok {
		m.runtimeError("undefined property '%s'", name.AsString())
		return false
	}
	return m.call(method.AsObj(), argc)
}

// invoke is the INVOKE fast path: a field holding a callable takes
// precedence over a method of the class, and a method call goes through
// without allocating a bound method.
func (m *Machine) invoke(name types.Value, argc int) bool {
	receiver := m.peek(argc)
	if receiver.IsObjKind(types.OInstance) {
		inst := receiver.AsObj()
		if field, ok := inst.Instance.Fields.Lookup(name); ok {
			m.stack[m.sp-argc-1] = field
			return m.callValue(field, argc)
		}
		return m.invokeFromClass(inst.Instance.Class, name, argc)
	}
	if receiver.IsObjKind(types.OClass) {
		class := receiver.AsObj()
		static, ok := class.Class.Statics.Lookup(name)
		if !ok {
			m.runtimeError("undefined property '%s'", name.AsString())
			return false
		}
		return m.call(static.AsObj(), argc)
	}
	m.runtimeError("can't call a method on a non-instance value")
	return false
}

// bindMethod wraps a method of class around the receiver at peek(0).
func (m *Machine) bindMethod(class *types.Object, name types.Value) bool {
	method, ok := class.Class.Methods.Lookup(name)
	if !ok {
		return false
	}
	bound := m.heap.NewBoundMethod(m.peek(0), method.AsObj())
	m.pop()
	m.push(types.ObjValue(bound))
	return true
}

/* upvalues */

// captureUpvalue returns the open upvalue for stack slot, creating and
// inserting it into the sorted open list if the slot is not captured yet.
// The list is ordered by slot, descending.
func (m *Machine) captureUpvalue(slot int) *types.Object {
	var prev *types.Object
	entry := m.openUpvalues
	for entry != nil && entry.Upvalue.Slot() > slot {
		prev = entry
		entry = entry.Upvalue.Next
	}
	if entry != nil && entry.Upvalue.Slot() == slot {
		return entry
	}
	created := m.heap.NewUpvalue(m.stack, slot)
	created.Upvalue.Next = entry
	if prev == nil {
		m.openUpvalues = created
	} else {
		prev.Upvalue.Next = created
	}
	return created
}

// closeUpvalues closes every open upvalue addressing slot last or above,
// copying the stack value into the upvalue before the slot is discarded.
func (m *Machine) closeUpvalues(last int) {
	for m.openUpvalues != nil && m.openUpvalues.Upvalue.Slot() >= last {
		up := m.openUpvalues
		m.openUpvalues = up.Upvalue.Next
		up.Upvalue.Close()
	}
}

/* string concatenation */

func (m *Machine) concat() {
	b := m.peek(0)
	a := m.peek(1)
	data := append([]byte(a.AsString()), b.AsString()...)
	result := m.heap.StringValue(data)
	m.pop()
	m.pop()
	m.push(result)
}

/* dispatch loop */

//nolint:gocyclo
func (m *Machine) run() Result {
	fr := &m.frames[m.frameCount-1]
	code := fr.closure.Closure.Fn.Fn.Chunk.Code
	consts := fr.closure.Closure.Fn.Fn.Chunk.Constants
	// the instruction pointer is cached locally for the hot path and written
	// back to the frame at every site that may re-enter the loop or report an
	// error
	ip := fr.ip

	// reloadFrame re-caches the dispatch state after a call or return.
	reloadFrame := func() {
		fr = &m.frames[m.frameCount-1]
		code = fr.closure.Closure.Fn.Fn.Chunk.Code
		consts = fr.closure.Closure.Fn.Fn.Chunk.Constants
		ip = fr.ip
	}

	readByte := func() byte {
		b := code[ip]
		ip++
		return b
	}
	readShort := func() int {
		lo, hi := code[ip], code[ip+1]
		ip += 2
		return int(lo) | int(hi)<<8
	}
	readConstant := func() types.Value { return consts[readByte()] }

	for {
		switch op := compiler.Opcode(readByte()); op {
		case compiler.CONSTANT:
			m.push(readConstant())

		case compiler.CONSTANT_LONG:
			m.push(consts[readShort()])

		case compiler.NIL:
			m.push(types.Nil)
		case compiler.TRUE:
			m.push(types.True)
		case compiler.FALSE:
			m.push(types.False)
		case compiler.POP:
			m.pop()

		case compiler.DEFINE_GLOBAL:
			name := readConstant()
			m.globals.Install(name, m.peek(0))
			m.pop()

		case compiler.GET_GLOBAL:
			name := readConstant()
			v, ok := m.globals.Lookup(name)
			if !ok {
				fr.ip = ip
				m.runtimeError("undefined variable '%s'", name.AsString())
				return ResultRuntimeError
			}
			m.push(v)

		case compiler.SET_GLOBAL:
			name := readConstant()
			if m.globals.Install(name, m.peek(0)) {
				m.globals.Delete(name)
				fr.ip = ip
				m.runtimeError("undefined variable '%s'", name.AsString())
				return ResultRuntimeError
			}

		case compiler.GET_LOCAL:
			slot := readByte()
			m.push(m.stack[fr.slots+int(slot)])

		case compiler.SET_LOCAL:
			slot := readByte()
			m.stack[fr.slots+int(slot)] = m.peek(0)

		case compiler.GET_UPVALUE:
			slot := readByte()
			m.push(fr.closure.Closure.Upvalues[slot].Upvalue.Get())

		case compiler.SET_UPVALUE:
			slot := readByte()
			fr.closure.Closure.Upvalues[slot].Upvalue.Set(m.peek(0))

		case compiler.GET_PROPERTY:
			name := readConstant()
			switch recv := m.peek(0); {
			case recv.IsObjKind(types.OInstance):
				inst := recv.AsObj()
				if v, ok := inst.Instance.Fields.Lookup(name); ok {
					m.pop()
					m.push(v)
					break
				}
				if m.bindMethod(inst.Instance.Class, name) {
					break
				}
				fr.ip = ip
				m.runtimeError("undefined property '%s'", name.AsString())
				return ResultRuntimeError

			case recv.IsObjKind(types.OClass):
				// static methods live on the class object itself
				class := recv.AsObj()
				if v, ok := class.Class.Statics.Lookup(name); ok {
					bound := m.heap.NewBoundMethod(recv, v.AsObj())
					m.pop()
					m.push(types.ObjValue(bound))
					break
				}
				fr.ip = ip
				m.runtimeError("undefined property '%s'", name.AsString())
				return ResultRuntimeError

			default:
				fr.ip = ip
				m.runtimeError("attempt to get a property from a non-instance value")
				return ResultRuntimeError
			}

		case compiler.SET_PROPERTY:
			if !m.peek(1).IsObjKind(types.OInstance) {
				fr.ip = ip
				m.runtimeError("attempt to set a property on a non-instance value")
				return ResultRuntimeError
			}
			inst := m.peek(1).AsObj()
			inst.Instance.Fields.Install(readConstant(), m.peek(0))
			v := m.pop()
			m.pop()
			m.push(v)

		case compiler.GET_SUPER:
			name := readConstant()
			superclass := m.pop().AsObj()
			if !m.bindMethod(superclass, name) {
				fr.ip = ip
				m.runtimeError("undefined property '%s'", name.AsString())
				return ResultRuntimeError
			}

		case compiler.EQ:
			b := m.pop()
			a := m.pop()
			m.push(types.Bool(a.Equal(b)))

		case compiler.GREATER:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				fr.ip = ip
				m.runtimeError("operands must be numbers")
				return ResultRuntimeError
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			m.push(types.Bool(a > b))

		case compiler.LESS:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				fr.ip = ip
				m.runtimeError("operands must be numbers")
				return ResultRuntimeError
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			m.push(types.Bool(a < b))

		case compiler.ADD:
			switch {
			case m.peek(0).IsString() && m.peek(1).IsString():
				m.concat()
			case m.peek(0).IsNumber() && m.peek(1).IsNumber():
				b := m.pop().AsNumber()
				a := m.pop().AsNumber()
				m.push(types.Number(a + b))
			default:
				fr.ip = ip
				m.runtimeError("operands must be two numbers or two strings")
				return ResultRuntimeError
			}

		case compiler.SUB, compiler.MUL, compiler.DIV:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				fr.ip = ip
				m.runtimeError("operands must be numbers")
				return ResultRuntimeError
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			switch op {
			case compiler.SUB:
				m.push(types.Number(a - b))
			case compiler.MUL:
				m.push(types.Number(a * b))
			default:
				m.push(types.Number(a / b))
			}

		case compiler.NOT:
			m.push(types.Bool(!m.pop().Truth()))

		case compiler.NEGATE:
			if !m.peek(0).IsNumber() {
				fr.ip = ip
				m.runtimeError("operand must be a number")
				return ResultRuntimeError
			}
			m.push(types.Number(-m.pop().AsNumber()))

		case compiler.PRINT:
			fmt.Fprintln(m.stdout(), m.pop().String())

		case compiler.BRANCH:
			offset := readShort()
			ip += offset

		case compiler.BRANCH_FALSE:
			offset := readShort()
			if !m.peek(0).Truth() {
				ip += offset
			}

		case compiler.BRANCH_BACK:
			offset := readShort()
			ip -= offset

		case compiler.CALL:
			argc := int(readByte())
			fr.ip = ip
			if !m.callValue(m.peek(argc), argc) {
				return ResultRuntimeError
			}
			reloadFrame()

		case compiler.INVOKE:
			name := readConstant()
			argc := int(readByte())
			fr.ip = ip
			if !m.invoke(name, argc) {
				return ResultRuntimeError
			}
			reloadFrame()

		case compiler.SUPER_INVOKE:
			name := readConstant()
			argc := int(readByte())
			superclass := m.pop().AsObj()
			fr.ip = ip
			if !m.invokeFromClass(superclass, name, argc) {
				return ResultRuntimeError
			}
			reloadFrame()

		case compiler.RETURN:
			result := m.pop()
			m.closeUpvalues(fr.slots)
			m.frameCount--
			if m.frameCount == 0 {
				m.pop()
				return ResultOK
			}
			m.sp = fr.slots
			m.push(result)
			reloadFrame()

		case compiler.CLOSURE:
			fn := readConstant().AsObj()
			closure := m.heap.NewClosure(fn)
			m.push(types.ObjValue(closure))
			for i := range closure.Closure.Upvalues {
				isLocal := readByte()
				index := int(readByte())
				if isLocal == 1 {
					closure.Closure.Upvalues[i] = m.captureUpvalue(fr.slots + index)
				} else {
					closure.Closure.Upvalues[i] = fr.closure.Closure.Upvalues[index]
				}
			}

		case compiler.CLOSE_UPVALUE:
			m.closeUpvalues(m.sp - 1)
			m.pop()

		case compiler.CLASS:
			m.push(types.ObjValue(m.heap.NewClass(readConstant())))

		case compiler.METHOD:
			name := readConstant()
			method := m.peek(0)
			class := m.peek(1).AsObj()
			class.Class.Methods.Install(name, method)
			m.pop()

		case compiler.STATIC:
			name := readConstant()
			method := m.peek(0)
			class := m.peek(1).AsObj()
			class.Class.Statics.Install(name, method)
			m.pop()

		case compiler.INHERIT:
			superclass := m.peek(1)
			if !superclass.IsObjKind(types.OClass) {
				fr.ip = ip
				m.runtimeError("superclass must be a class")
				return ResultRuntimeError
			}
			subclass := m.peek(0).AsObj()
			subclass.Class.Methods.AddAll(&superclass.AsObj().Class.Methods)
			m.pop()

		case compiler.ARRAY:
			count := int(readByte())
			elems := make([]types.Value, count)
			copy(elems, m.stack[m.sp-count:m.sp])
			arr := m.heap.NewArray(elems)
			m.sp -= count
			m.push(types.ObjValue(arr))

		case compiler.GET_INDEX:
			if !m.peek(1).IsObjKind(types.OArray) {
				fr.ip = ip
				m.runtimeError("can only index arrays")
				return ResultRuntimeError
			}
			if !m.peek(0).IsNumber() {
				fr.ip = ip
				m.runtimeError("array index must be a number")
				return ResultRuntimeError
			}
			idx := int(m.pop().AsNumber())
			arr := m.pop().AsObj()
			if idx < 0 || idx >= len(arr.Elems) {
				fr.ip = ip
				m.runtimeError("array index out of bounds")
				return ResultRuntimeError
			}
			m.push(arr.Elems[idx])

		case compiler.SET_INDEX:
			if !m.peek(2).IsObjKind(types.OArray) {
				fr.ip = ip
				m.runtimeError("can only index arrays")
				return ResultRuntimeError
			}
			if !m.peek(1).IsNumber() {
				fr.ip = ip
				m.runtimeError("array index must be a number")
				return ResultRuntimeError
			}
			v := m.pop()
			idx := int(m.pop().AsNumber())
			arr := m.pop().AsObj()
			if idx < 0 || idx >= len(arr.Elems) {
				fr.ip = ip
				m.runtimeError("array index out of bounds")
				return ResultRuntimeError
			}
			arr.Elems[idx] = v
			m.push(v)

		default:
			fr.ip = ip
			m.runtimeError("unknown opcode: %d", op)
			return ResultRuntimeError
		}
	}
}
