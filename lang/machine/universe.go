package machine

import (
	"errors"
	"math"
	"time"

	"github.com/mna/lotus/lang/types"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// processStart anchors the clock native; lotus programs measure elapsed
// time, not absolute time.
var processStart = time.Now()

type nativeDef struct {
	arity int
	fn    types.NativeFn
}

// universe is the set of native functions installed in the globals of every
// machine.
var universe = map[string]nativeDef{
	"clock": {0, nativeClock},
	"sqrt":  {1, nativeSqrt},
}

// defineNatives installs the universe in the machine's globals, in sorted
// name order so that allocation ids (and thus GC behavior) are
// deterministic.
func (m *Machine) defineNatives() {
	names := maps.Keys(universe)
	slices.Sort(names)
	for _, name := range names {
		def := universe[name]
		// keep both values reachable on the stack across the allocations
		m.push(m.heap.StringValue([]byte(name)))
		m.push(types.ObjValue(m.heap.NewNative(name, def.arity, def.fn)))
		m.globals.Install(m.stack[m.sp-2], m.stack[m.sp-1])
		m.pop()
		m.pop()
	}
}

func nativeClock([]types.Value) (types.Value, error) {
	return types.Number(time.Since(processStart).Seconds()), nil
}

func nativeSqrt(args []types.Value) (types.Value, error) {
	if !args[0].IsNumber() {
		return types.Nil, errors.New("invalid parameter")
	}
	return types.Number(math.Sqrt(args[0].AsNumber())), nil
}
