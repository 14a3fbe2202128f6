package machine_test

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/mna/lotus/internal/filetest"
	"github.com/mna/lotus/lang/machine"
	"github.com/mna/lotus/lang/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpdateExecTests = flag.Bool("test.update-exec-tests", false, "If set, updates the expected results of the exec tests.")

var rxExpectResult = regexp.MustCompile(`(?m)^//\s*###\s*result:\s*([a-z]+)\s*$`)

// TestExecFiles runs the scripts in testdata/*.lot in a fresh machine each,
// with GC stress mode on, and compares stdout and stderr against the .want
// and .err golden files. A script asserts a non-zero result with a comment
// of the form:
//
//	// ### result: compile
//	// ### result: runtime
func TestExecFiles(t *testing.T) {
	dir := "testdata"
	files := filetest.SourceFiles(t, dir, ".lot")
	require.NotEmpty(t, files)

	for _, fi := range files {
		fi := fi
		t.Run(fi.Name(), func(t *testing.T) {
			path := filepath.Join(dir, fi.Name())
			src, err := os.ReadFile(path)
			require.NoError(t, err)

			heap := types.NewHeap()
			heap.SetStress(true)
			m := machine.New(heap)
			var stdout, stderr bytes.Buffer
			m.Stdout = &stdout
			m.Stderr = &stderr

			res := m.Interpret(src, path)

			want := machine.ResultOK
			if ms := rxExpectResult.FindSubmatch(src); ms != nil {
				switch string(ms[1]) {
				case "compile":
					want = machine.ResultCompileError
				case "runtime":
					want = machine.ResultRuntimeError
				default:
					t.Fatalf("unknown result directive %q", ms[1])
				}
			}
			assert.Equal(t, want, res, "stderr: %s", stderr.String())

			filetest.DiffOutput(t, fi, stdout.String(), dir, testUpdateExecTests)
			filetest.DiffErrors(t, fi, stderr.String(), dir, testUpdateExecTests)
		})
	}
}

func runSource(t *testing.T, src string) (string, string, machine.Result) {
	t.Helper()
	heap := types.NewHeap()
	m := machine.New(heap)
	var stdout, stderr bytes.Buffer
	m.Stdout = &stdout
	m.Stderr = &stderr
	res := m.Interpret([]byte(src), "test.lot")
	return stdout.String(), stderr.String(), res
}

func TestArithmetic(t *testing.T) {
	out, _, res := runSource(t, `print (1 + 2) * 3 / 2;`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "4.5\n", out)
}

func TestClosureCounter(t *testing.T) {
	out, _, res := runSource(t, `
fun make() { var i = 0; fun inc() { i = i + 1; return i; } return inc; }
var c = make(); print c(); print c(); print c();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "1\n2\n3\n", out)
}

func TestIndependentClosures(t *testing.T) {
	out, _, res := runSource(t, `
fun make() { var i = 0; fun inc() { i = i + 1; return i; } return inc; }
var a = make(); var b = make();
print a(); print a(); print b();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "1\n2\n1\n", out)
}

func TestSharedUpvalue(t *testing.T) {
	out, _, res := runSource(t, `
var get; var set;
{
  var shared = "before";
  fun g() { return shared; }
  fun s(v) { shared = v; }
  get = g; set = s;
}
set("after");
print get();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "after\n", out)
}

func TestInheritanceSuper(t *testing.T) {
	out, _, res := runSource(t, `
class A { greet() { print "A"; } }
class B < A { greet() { super.greet(); print "B"; } }
B().greet();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "A\nB\n", out)
}

func TestConstructorAndField(t *testing.T) {
	out, _, res := runSource(t, `class P { init(x) { this.x = x; } } print P(42).x;`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "42\n", out)
}

func TestStringInterningEquality(t *testing.T) {
	out, _, res := runSource(t, `print "ab" + "c" == "abc";`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "true\n", out)

	// also for strings beyond the inline representation
	out, _, res = runSource(t, `print "concatenated " + "long string" == "concatenated long string";`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "true\n", out)
}

func TestRuntimeErrorTraceback(t *testing.T) {
	out, errOut, res := runSource(t, `fun a() { b(); } fun b() { 1 + "x"; } a();`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Empty(t, out)
	require.Contains(t, errOut, "runtime error")
	require.Contains(t, errOut, "operands must be two numbers or two strings")
	require.Contains(t, errOut, "in b()")
	require.Contains(t, errOut, "in a()")
	require.Contains(t, errOut, "in script")

	// frames from innermost outward
	bIdx := strings.Index(errOut, "in b()")
	aIdx := strings.Index(errOut, "in a()")
	sIdx := strings.Index(errOut, "in script")
	require.True(t, bIdx < aIdx && aIdx < sIdx)
}

func TestSwitchCaseLocalsDiscarded(t *testing.T) {
	// only the executed case's locals are popped; declarations in the cases
	// that did not run must not unwind live slots below the switch
	out, errOut, res := runSource(t, `
fun f(x) {
  var a = 10;
  switch (x) {
  case 1: var p = 1; print p;
  case 2: var q = 2; print q;
  case 3: print a;
  }
  return a;
}
print f(3);
print f(1);
print f(99);
`)
	require.Equal(t, machine.ResultOK, res, errOut)
	require.Equal(t, "10\n10\n1\n10\n10\n", out)
}

func TestSwitchCaseShadowing(t *testing.T) {
	out, _, res := runSource(t, `
var x = 2;
switch (x) {
case 1: var y = "one"; print y;
case 2: var y = "two"; print y;
default: var y = "many"; print y;
}
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "two\n", out)
}

func TestStackOverflow(t *testing.T) {
	_, errOut, res := runSource(t, `fun f() { f(); } f();`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "stack overflow")
}

func TestUndefinedVariable(t *testing.T) {
	_, errOut, res := runSource(t, `print missing;`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "undefined variable 'missing'")
}

func TestAssignUndefinedGlobal(t *testing.T) {
	_, errOut, res := runSource(t, `missing = 1;`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "undefined variable 'missing'")
}

func TestCallNonCallable(t *testing.T) {
	_, errOut, res := runSource(t, `var x = 1; x();`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "attempt to call non-callable object")
}

func TestArityMismatch(t *testing.T) {
	_, errOut, res := runSource(t, `fun f(a, b) { return a; } f(1);`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "expected 2 arguments, got 1")
}

func TestInheritNonClass(t *testing.T) {
	_, errOut, res := runSource(t, `var notaclass = 1; class C < notaclass {}`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "superclass must be a class")
}

func TestClassArgsWithoutInit(t *testing.T) {
	_, errOut, res := runSource(t, `class C {} C(1);`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "expected 0 arguments, got 1")
}

func TestFieldShadowsMethodOnInvoke(t *testing.T) {
	out, _, res := runSource(t, `
class C { m() { return "method"; } }
var c = C();
print c.m();
c.m = lambda () { return "field"; };
print c.m();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "method\nfield\n", out)
}

func TestBoundMethodValue(t *testing.T) {
	out, _, res := runSource(t, `
class C { init(v) { this.v = v; } get() { return this.v; } }
var bound = C(7).get;
print bound();
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "7\n", out)
}

func TestFalsinessRules(t *testing.T) {
	out, _, res := runSource(t, `
print !nil;
print !false;
print !0;
print !"";
print !true;
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "true\ntrue\nfalse\nfalse\nfalse\n", out)
}

func TestLogicalShortCircuit(t *testing.T) {
	out, _, res := runSource(t, `
print nil and missing;
print 1 and 2;
print nil or "fallback";
print "first" or missing;
`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "nil\n2\nfallback\nfirst\n", out)
}

func TestNativeFunctions(t *testing.T) {
	out, _, res := runSource(t, `print sqrt(16);`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "4\n", out)

	_, errOut, res := runSource(t, `sqrt("x");`)
	require.Equal(t, machine.ResultRuntimeError, res)
	require.Contains(t, errOut, "sqrt: invalid parameter")

	out, _, res = runSource(t, `print clock() >= 0;`)
	require.Equal(t, machine.ResultOK, res)
	require.Equal(t, "true\n", out)
}

func TestGlobalsPersistAcrossInterprets(t *testing.T) {
	heap := types.NewHeap()
	m := machine.New(heap)
	var stdout, stderr bytes.Buffer
	m.Stdout = &stdout
	m.Stderr = &stderr

	require.Equal(t, machine.ResultOK, m.Interpret([]byte(`var x = 40;`), "stdin"))
	require.Equal(t, machine.ResultOK, m.Interpret([]byte(`x = x + 2;`), "stdin"))
	require.Equal(t, machine.ResultOK, m.Interpret([]byte(`print x;`), "stdin"))
	require.Equal(t, "42\n", stdout.String())
}

func TestGCDuringExecution(t *testing.T) {
	heap := types.NewHeap()
	heap.SetNextGC(1024)
	m := machine.New(heap)
	var stdout, stderr bytes.Buffer
	m.Stdout = &stdout
	m.Stderr = &stderr

	res := m.Interpret([]byte(`
var s = "";
for (var i = 0; i < 200; i = i + 1) {
  s = s + "xxxxxxxxxx";
}
print s == s;
var keep = [s];
`), "gc.lot")
	require.Equal(t, machine.ResultOK, res, stderr.String())
	require.Equal(t, "true\n", stdout.String())
	require.Greater(t, heap.Collections(), 0, "the loop must have triggered collections")
}

func TestDumpBytecode(t *testing.T) {
	heap := types.NewHeap()
	m := machine.New(heap)
	var stdout, stderr bytes.Buffer
	m.Stdout = &stdout
	m.Stderr = &stderr
	m.DumpBytecode = true

	res := m.Interpret([]byte(`fun f() { return 1; } print f();`), "dump.lot")
	require.Equal(t, machine.ResultOK, res)
	out := stdout.String()
	require.Contains(t, out, "== <script> ==")
	require.Contains(t, out, "== <fn f> ==")
	require.Contains(t, out, "RETURN")
	require.True(t, strings.HasSuffix(out, "1\n"))
}
