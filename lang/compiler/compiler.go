package compiler

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/mna/lotus/lang/scanner"
	"github.com/mna/lotus/lang/token"
	"github.com/mna/lotus/lang/types"
)

const (
	maxLocals    = 256
	maxUpvalues  = 256
	maxConstants = 256   // short-form constant index
	maxJump      = 65535 // 16-bit branch distance
	maxArgs      = 255
)

// Precedence levels of the Pratt parser, lowest binding first.
type precedence int8

const (
	precNone        precedence = iota
	precAssign                 // =
	precConditional            // ?:
	precOr                     // or
	precAnd                    // and
	precEquality               // == !=
	precComparison             // < > <= >=
	precTerm                   // + -
	precFactor                 // * /
	precUnary                  // ! -
	precCall                   // . () []
	precPrimary
)

type parseFn func(p *parser, canAssign bool)

// parseRule maps a token kind to its prefix rule, infix rule and the
// precedence of the infix form.
type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// rules is indexed by token kind. It is populated in init because the rule
// functions recursively depend on the table.
var rules [token.WHILE + 1]parseRule

func init() {
	rules[token.LPAREN] = parseRule{grouping, callExpr, precCall}
	rules[token.LBRACK] = parseRule{arrayLit, subscript, precCall}
	rules[token.DOT] = parseRule{nil, dot, precCall}
	rules[token.MINUS] = parseRule{unary, binary, precTerm}
	rules[token.PLUS] = parseRule{nil, binary, precTerm}
	rules[token.SLASH] = parseRule{nil, binary, precFactor}
	rules[token.STAR] = parseRule{nil, binary, precFactor}
	rules[token.QMARK] = parseRule{nil, ternary, precConditional}
	rules[token.BANG] = parseRule{unary, nil, precNone}
	rules[token.BANGEQ] = parseRule{nil, binary, precEquality}
	rules[token.EQEQ] = parseRule{nil, binary, precEquality}
	rules[token.GT] = parseRule{nil, binary, precComparison}
	rules[token.GE] = parseRule{nil, binary, precComparison}
	rules[token.LT] = parseRule{nil, binary, precComparison}
	rules[token.LE] = parseRule{nil, binary, precComparison}
	rules[token.IDENT] = parseRule{variable, nil, precNone}
	rules[token.NUMBER] = parseRule{number, nil, precNone}
	rules[token.STRING] = parseRule{stringLit, nil, precNone}
	rules[token.AND] = parseRule{nil, andOp, precAnd}
	rules[token.OR] = parseRule{nil, orOp, precOr}
	rules[token.FALSE] = parseRule{literal, nil, precNone}
	rules[token.TRUE] = parseRule{literal, nil, precNone}
	rules[token.NIL] = parseRule{literal, nil, precNone}
	rules[token.LAMBDA] = parseRule{lambdaExpr, nil, precNone}
	rules[token.SUPER] = parseRule{superExpr, nil, precNone}
	rules[token.THIS] = parseRule{thisExpr, nil, precNone}
}

func getRule(tok token.Token) *parseRule {
	if int(tok) < len(rules) {
		return &rules[tok]
	}
	return &rules[token.ILLEGAL]
}

// funcKind distinguishes the kinds of function bodies being compiled; return
// statements and `this` resolution depend on it.
type funcKind int8

const (
	kindScript funcKind = iota
	kindFunction
	kindMethod
	kindInitializer
)

// local is a declared local variable of the function being compiled.
type local struct {
	name     string
	depth    int // -1 while the initializer is being compiled
	captured bool
	isConst  bool
}

// upvalueRef describes one upvalue of the function being compiled: a local
// slot of the enclosing function, or an upvalue index of the enclosing
// closure.
type upvalueRef struct {
	index   int
	isLocal bool
}

// constKey identifies a deduplicatable constant (numbers and strings).
type constKey struct {
	isStr bool
	num   float64
	str   string
}

// fcomp holds the compile state of one function. Nested function
// declarations push a new fcomp linked to the previous one, forming the
// compiler chain that the garbage collector treats as roots.
type fcomp struct {
	enclosing *fcomp
	fnObj     *types.Object
	kind      funcKind
	locals    []local
	upvalues  []upvalueRef
	scopeDepth int
	consts    *swiss.Map[constKey, int]
}

// classCompiler tracks the innermost class declaration being compiled.
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// loopCompiler tracks the innermost enclosing loop for break and continue.
type loopCompiler struct {
	enclosing  *loopCompiler
	start      int // continue target; for `for` loops this is the increment
	scopeDepth int
	breaks     []int // branch operand offsets to patch at loop end
}

type parser struct {
	scan scanner.Scanner
	file string

	prev, curr scanner.Tok
	hadError   bool
	panicMode  bool

	heap   *types.Heap
	stderr io.Writer

	comp  *fcomp
	class *classCompiler
	loop  *loopCompiler

	// names of global variables declared const, maintained at compile time
	constGlobals *swiss.Map[string, bool]
}

var _ types.RootMarker = (*parser)(nil)

// MarkRoots exposes the chain of in-progress functions to the garbage
// collector: their chunks' constant pools are the only reference to objects
// allocated during compilation.
func (p *parser) MarkRoots(h *types.Heap) {
	for fc := p.comp; fc != nil; fc = fc.enclosing {
		h.MarkObject(fc.fnObj)
	}
}

// Compile compiles source to the top-level function object, or nil if there
// was any compile error. Errors are reported to stderr as
// "file:line: parse error at '...': message"; after an error the parser
// suppresses further diagnostics until a statement boundary.
func Compile(src []byte, filename string, heap *types.Heap, stderr io.Writer) *types.Object {
	p := &parser{
		file:         filename,
		heap:         heap,
		stderr:       stderr,
		constGlobals: swiss.NewMap[string, bool](8),
	}
	p.scan.Init(src)
	heap.AddRoots(p)
	defer heap.RemoveRoots(p)

	p.beginFunc(kindScript, "")
	p.advance()
	for !p.match(token.EOF) {
		p.declaration()
	}
	fn, _ := p.endFunc()
	if p.hadError {
		return nil
	}
	return fn
}

/* error reporting */

func (p *parser) errorAt(tok scanner.Tok, msg string) {
	if p.panicMode {
		return
	}
	p.panicMode = true
	fmt.Fprintf(p.stderr, "%s:%d: parse error", p.file, tok.Line)
	switch tok.Type {
	case token.EOF:
		fmt.Fprint(p.stderr, " at end")
	case token.ERROR:
		// the message already describes the offending input
	default:
		fmt.Fprintf(p.stderr, " at '%s'", tok.Lit)
	}
	fmt.Fprintf(p.stderr, ": %s\n", msg)
	p.hadError = true
}

func (p *parser) error(msg string)     { p.errorAt(p.prev, msg) }
func (p *parser) errorCurr(msg string) { p.errorAt(p.curr, msg) }

// synchronize skips tokens until a statement boundary: the token after a
// semicolon, or a statement-introducing keyword.
func (p *parser) synchronize() {
	p.panicMode = false
	for p.curr.Type != token.EOF {
		if p.prev.Type == token.SEMI {
			return
		}
		switch p.curr.Type {
		case token.CLASS, token.FUN, token.VAR, token.CONST, token.FOR,
			token.IF, token.WHILE, token.SWITCH, token.PRINT, token.RETURN:
			return
		}
		p.advance()
	}
}

/* token plumbing */

func (p *parser) advance() {
	p.prev = p.curr
	for {
		p.curr = p.scan.Scan()
		if p.curr.Type != token.ERROR {
			break
		}
		p.errorCurr(p.curr.Lit)
	}
}

func (p *parser) consume(typ token.Token, msg string) {
	if p.curr.Type == typ {
		p.advance()
		return
	}
	p.errorCurr(msg)
}

func (p *parser) check(typ token.Token) bool { return p.curr.Type == typ }

func (p *parser) match(typ token.Token) bool {
	if !p.check(typ) {
		return false
	}
	p.advance()
	return true
}

/* bytecode emission */

func (p *parser) chunk() *types.Chunk { return &p.comp.fnObj.Fn.Chunk }

func (p *parser) emitByte(b byte) { p.chunk().Write(b, p.prev.Line) }

func (p *parser) emitOp(op Opcode) { p.emitByte(byte(op)) }

func (p *parser) emitTwo(b1, b2 byte) {
	p.emitByte(b1)
	p.emitByte(b2)
}

func (p *parser) emitReturn() {
	if p.comp.kind == kindInitializer {
		p.emitTwo(byte(GET_LOCAL), 0)
	} else {
		p.emitOp(NIL)
	}
	p.emitOp(RETURN)
}

// addConstant adds v to the current chunk's constant pool, deduplicating
// number and string constants.
func (p *parser) addConstant(v types.Value) int {
	var key constKey
	dedup := false
	switch {
	case v.IsNumber():
		key = constKey{num: v.AsNumber()}
		dedup = true
	case v.IsString():
		key = constKey{isStr: true, str: v.AsString()}
		dedup = true
	}
	if dedup {
		if idx, ok := p.comp.consts.Get(key); ok {
			return idx
		}
	}
	idx := p.chunk().AddConstant(v)
	if dedup {
		p.comp.consts.Put(key, idx)
	}
	return idx
}

// makeConstant returns the u8 constant index of v for opcodes with a
// short-form operand.
func (p *parser) makeConstant(v types.Value) byte {
	idx := p.addConstant(v)
	if idx >= maxConstants {
		p.error("too many constants in one chunk")
		return 0
	}
	return byte(idx)
}

// emitConstant loads v, switching to the long-form opcode when the pool
// outgrows the short index.
func (p *parser) emitConstant(v types.Value) {
	idx := p.addConstant(v)
	if idx < maxConstants {
		p.emitTwo(byte(CONSTANT), byte(idx))
		return
	}
	if idx > maxJump {
		p.error("too many constants in one chunk")
		return
	}
	p.emitOp(CONSTANT_LONG)
	p.emitTwo(byte(idx&0xff), byte(idx>>8))
}

func (p *parser) identConstant(name string) byte {
	return p.makeConstant(p.heap.StringValue([]byte(name)))
}

// emitBranch emits a forward branch with a placeholder offset and returns
// the offset of the operand for later patching.
func (p *parser) emitBranch(op Opcode) int {
	p.emitOp(op)
	p.emitTwo(0xff, 0xff)
	return len(p.chunk().Code) - 2
}

// patchBranch resolves a forward branch to jump to the current position.
func (p *parser) patchBranch(operand int) {
	c := p.chunk()
	jump := len(c.Code) - operand - 2
	if jump > maxJump {
		p.error("too much code to jump over")
	}
	c.Code[operand] = byte(jump & 0xff)
	c.Code[operand+1] = byte(jump >> 8)
}

// emitLoop emits a backward branch to start.
func (p *parser) emitLoop(start int) {
	p.emitOp(BRANCH_BACK)
	offset := len(p.chunk().Code) - start + 2
	if offset > maxJump {
		p.error("loop body too large")
	}
	p.emitTwo(byte(offset&0xff), byte(offset>>8))
}

/* function compile state */

// beginFunc pushes a fresh fcomp for a function body of the given kind. Slot
// zero of every call frame holds the callable (or the receiver for methods),
// so the first local is reserved: it is named "this" in method bodies and is
// unnameable otherwise.
func (p *parser) beginFunc(kind funcKind, name string) {
	fnObj := p.heap.NewFunction()
	fc := &fcomp{
		enclosing: p.comp,
		fnObj:     fnObj,
		kind:      kind,
		consts:    swiss.NewMap[constKey, int](16),
	}
	slot0 := local{depth: 0}
	if kind == kindMethod || kind == kindInitializer {
		slot0.name = "this"
	}
	fc.locals = append(fc.locals, slot0)
	// link into the compiler chain before allocating the name so that a
	// collection triggered by the allocation sees the new function as a root
	p.comp = fc
	if kind != kindScript {
		fnObj.Fn.Name = p.heap.StringValue([]byte(name))
	}
}

// endFunc finishes the current function and pops the compiler chain,
// returning the function object and its upvalue descriptors.
func (p *parser) endFunc() (*types.Object, []upvalueRef) {
	p.emitReturn()
	fc := p.comp
	p.comp = fc.enclosing
	return fc.fnObj, fc.upvalues
}

func (p *parser) beginScope() { p.comp.scopeDepth++ }

func (p *parser) endScope() {
	fc := p.comp
	fc.scopeDepth--
	for len(fc.locals) > 0 && fc.locals[len(fc.locals)-1].depth > fc.scopeDepth {
		if fc.locals[len(fc.locals)-1].captured {
			p.emitOp(CLOSE_UPVALUE)
		} else {
			p.emitOp(POP)
		}
		fc.locals = fc.locals[:len(fc.locals)-1]
	}
}

// discardLocals emits the pops for locals deeper than depth without
// removing them from the compile state; break and continue use it to unwind
// the stack before jumping out.
func (p *parser) discardLocals(depth int) {
	fc := p.comp
	for i := len(fc.locals) - 1; i >= 0 && fc.locals[i].depth > depth; i-- {
		if fc.locals[i].captured {
			p.emitOp(CLOSE_UPVALUE)
		} else {
			p.emitOp(POP)
		}
	}
}

/* variable resolution */

func (p *parser) addLocal(name string, isConst bool) {
	fc := p.comp
	if len(fc.locals) >= maxLocals {
		p.error("too many local variables in function")
		return
	}
	fc.locals = append(fc.locals, local{name: name, depth: -1, isConst: isConst})
}

func (p *parser) declareVariable(isConst bool) {
	fc := p.comp
	name := p.prev.Lit
	if fc.scopeDepth == 0 {
		// record or clear compile-time const knowledge for the global
		if isConst {
			p.constGlobals.Put(name, true)
		} else {
			p.constGlobals.Delete(name)
		}
		return
	}
	for i := len(fc.locals) - 1; i >= 0; i-- {
		l := &fc.locals[i]
		if l.depth != -1 && l.depth < fc.scopeDepth {
			break
		}
		if l.name == name {
			p.error("a variable with this name was already declared in this scope")
		}
	}
	p.addLocal(name, isConst)
}

func (p *parser) parseVariable(isConst bool, errmsg string) byte {
	p.consume(token.IDENT, errmsg)
	p.declareVariable(isConst)
	if p.comp.scopeDepth > 0 {
		return 0
	}
	return p.identConstant(p.prev.Lit)
}

func (p *parser) markInitialized() {
	fc := p.comp
	if fc.scopeDepth == 0 {
		return
	}
	fc.locals[len(fc.locals)-1].depth = fc.scopeDepth
}

func (p *parser) defineVariable(global byte) {
	if p.comp.scopeDepth > 0 {
		p.markInitialized()
		return
	}
	p.emitTwo(byte(DEFINE_GLOBAL), global)
}

// resolveLocal returns the slot of name in fc, or -1.
func (p *parser) resolveLocal(fc *fcomp, name string) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			if fc.locals[i].depth == -1 {
				p.error("cannot read local variable in its own initializer")
			}
			return i
		}
	}
	return -1
}

// addUpvalue records an upvalue of fc, deduplicated, and returns its index.
func (p *parser) addUpvalue(fc *fcomp, index int, isLocal bool) int {
	for i, up := range fc.upvalues {
		if up.index == index && up.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) >= maxUpvalues {
		p.error("too many closure variables in function")
		return 0
	}
	fc.upvalues = append(fc.upvalues, upvalueRef{index: index, isLocal: isLocal})
	fc.fnObj.Fn.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}

// resolveUpvalue resolves name as a variable of an enclosing function,
// marking the captured local on the way so its slot is closed rather than
// popped when its scope ends.
func (p *parser) resolveUpvalue(fc *fcomp, name string) int {
	if fc.enclosing == nil {
		return -1
	}
	if slot := p.resolveLocal(fc.enclosing, name); slot != -1 {
		fc.enclosing.locals[slot].captured = true
		return p.addUpvalue(fc, slot, true)
	}
	if up := p.resolveUpvalue(fc.enclosing, name); up != -1 {
		return p.addUpvalue(fc, up, false)
	}
	return -1
}

// namedVariable compiles a read of name, or a write when an assignment
// follows and assignment is allowed in this context.
func (p *parser) namedVariable(name string, canAssign bool) {
	var getOp, setOp Opcode
	var arg byte
	isConst := false

	if slot := p.resolveLocal(p.comp, name); slot != -1 {
		getOp, setOp = GET_LOCAL, SET_LOCAL
		arg = byte(slot)
		isConst = p.comp.locals[slot].isConst
	} else if up := p.resolveUpvalue(p.comp, name); up != -1 {
		getOp, setOp = GET_UPVALUE, SET_UPVALUE
		arg = byte(up)
	} else {
		getOp, setOp = GET_GLOBAL, SET_GLOBAL
		arg = p.identConstant(name)
		_, isConst = p.constGlobals.Get(name)
	}

	if canAssign && p.match(token.EQ) {
		if isConst {
			p.error("cannot assign to const variable")
		}
		p.expression()
		p.emitTwo(byte(setOp), arg)
		return
	}
	p.emitTwo(byte(getOp), arg)
}

/* declarations and statements */

func (p *parser) declaration() {
	switch {
	case p.match(token.CLASS):
		p.classDecl()
	case p.match(token.FUN):
		p.funDecl()
	case p.match(token.VAR):
		p.varDecl(false)
	case p.match(token.CONST):
		p.varDecl(true)
	default:
		p.statement()
	}
	if p.panicMode {
		p.synchronize()
	}
}

func (p *parser) varDecl(isConst bool) {
	global := p.parseVariable(isConst, "expected variable name")
	if p.match(token.EQ) {
		p.expression()
	} else {
		p.emitOp(NIL)
	}
	p.consume(token.SEMI, "expected ';' after variable declaration")
	p.defineVariable(global)
}

func (p *parser) funDecl() {
	global := p.parseVariable(false, "expected function name")
	// the function may refer to itself recursively, so it is usable from the
	// start of its own body
	p.markInitialized()
	p.function(kindFunction, p.prev.Lit)
	p.defineVariable(global)
}

// function compiles a parameter list and body and emits the CLOSURE that
// builds the runtime value, followed by one (isLocal, index) descriptor pair
// per upvalue.
func (p *parser) function(kind funcKind, name string) {
	p.beginFunc(kind, name)
	p.beginScope()

	p.consume(token.LPAREN, "expected '(' after function name")
	if !p.check(token.RPAREN) {
		for {
			p.comp.fnObj.Fn.Arity++
			if p.comp.fnObj.Fn.Arity > maxArgs {
				p.errorCurr("cannot have more than 255 parameters")
			}
			p.parseVariable(false, "expected parameter name")
			p.defineVariable(0)
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RPAREN, "expected ')' after parameters")
	p.consume(token.LBRACE, "expected '{' before function body")
	p.block()

	fn, upvalues := p.endFunc()
	p.emitTwo(byte(CLOSURE), p.makeConstant(types.ObjValue(fn)))
	for _, up := range upvalues {
		if up.isLocal {
			p.emitTwo(1, byte(up.index))
		} else {
			p.emitTwo(0, byte(up.index))
		}
	}
}

func (p *parser) classDecl() {
	p.consume(token.IDENT, "expected class name")
	className := p.prev.Lit
	nameConstant := p.identConstant(className)
	p.declareVariable(false)

	p.emitTwo(byte(CLASS), nameConstant)
	p.defineVariable(nameConstant)

	cc := &classCompiler{enclosing: p.class}
	p.class = cc

	if p.match(token.LT) {
		p.consume(token.IDENT, "expected superclass name")
		p.namedVariable(p.prev.Lit, false)
		if p.prev.Lit == className {
			p.error("a class cannot inherit from itself")
		}

		// `super` is an ordinary local of a scope wrapping the methods, so
		// method closures capture it like any other variable
		p.beginScope()
		p.addLocal("super", false)
		p.defineVariable(0)

		p.namedVariable(className, false)
		p.emitOp(INHERIT)
		cc.hasSuperclass = true
	}

	p.namedVariable(className, false)
	p.consume(token.LBRACE, "expected '{' before class body")
	for !p.check(token.RBRACE) && !p.check(token.EOF) {
		p.method()
	}
	p.consume(token.RBRACE, "expected '}' after class body")
	p.emitOp(POP)

	if cc.hasSuperclass {
		p.endScope()
	}
	p.class = cc.enclosing
}

func (p *parser) method() {
	isStatic := p.match(token.STATIC)
	p.consume(token.IDENT, "expected method name")
	name := p.prev.Lit
	constant := p.identConstant(name)

	kind := kindMethod
	if !isStatic && name == "init" {
		kind = kindInitializer
	}
	p.function(kind, name)
	if isStatic {
		p.emitTwo(byte(STATIC), constant)
	} else {
		p.emitTwo(byte(METHOD), constant)
	}
}

func (p *parser) statement() {
	switch {
	case p.match(token.PRINT):
		p.printStmt()
	case p.match(token.IF):
		p.ifStmt()
	case p.match(token.WHILE):
		p.whileStmt()
	case p.match(token.FOR):
		p.forStmt()
	case p.match(token.SWITCH):
		p.switchStmt()
	case p.match(token.BREAK):
		p.breakStmt()
	case p.match(token.CONTINUE):
		p.continueStmt()
	case p.match(token.RETURN):
		p.returnStmt()
	case p.match(token.LBRACE):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.expressionStmt()
	}
}

func (p *parser) block() {
	for !p.check(token.RBRACE) && !p.check(token.EOF) {
		p.declaration()
	}
	p.consume(token.RBRACE, "expected '}' at end of block")
}

func (p *parser) printStmt() {
	p.expression()
	p.consume(token.SEMI, "expected ';' after value")
	p.emitOp(PRINT)
}

func (p *parser) expressionStmt() {
	p.expression()
	p.consume(token.SEMI, "expected ';' after value")
	p.emitOp(POP)
}

func (p *parser) ifStmt() {
	p.consume(token.LPAREN, "expected '(' after 'if'")
	p.expression()
	p.consume(token.RPAREN, "expected ')' after condition")

	thenBranch := p.emitBranch(BRANCH_FALSE)
	p.emitOp(POP)
	p.statement()
	elseBranch := p.emitBranch(BRANCH)
	p.patchBranch(thenBranch)
	p.emitOp(POP)
	if p.match(token.ELSE) {
		p.statement()
	}
	p.patchBranch(elseBranch)
}

func (p *parser) whileStmt() {
	lc := &loopCompiler{
		enclosing:  p.loop,
		start:      len(p.chunk().Code),
		scopeDepth: p.comp.scopeDepth,
	}
	p.loop = lc

	p.consume(token.LPAREN, "expected '(' after 'while'")
	p.expression()
	p.consume(token.RPAREN, "expected ')' after condition")

	exit := p.emitBranch(BRANCH_FALSE)
	p.emitOp(POP)
	p.statement()
	p.emitLoop(lc.start)
	p.patchBranch(exit)
	p.emitOp(POP)

	for _, br := range lc.breaks {
		p.patchBranch(br)
	}
	p.loop = lc.enclosing
}

func (p *parser) forStmt() {
	p.beginScope()
	p.consume(token.LPAREN, "expected '(' after 'for'")
	switch {
	case p.match(token.SEMI):
		// no initializer
	case p.match(token.VAR):
		p.varDecl(false)
	default:
		p.expressionStmt()
	}

	lc := &loopCompiler{
		enclosing:  p.loop,
		start:      len(p.chunk().Code),
		scopeDepth: p.comp.scopeDepth,
	}
	p.loop = lc

	exit := -1
	if !p.match(token.SEMI) {
		p.expression()
		p.consume(token.SEMI, "expected ';' after loop condition")
		exit = p.emitBranch(BRANCH_FALSE)
		p.emitOp(POP)
	}

	if !p.match(token.RPAREN) {
		// jump over the increment on the way in; continue targets it, and it
		// loops back to the condition
		body := p.emitBranch(BRANCH)
		incrStart := len(p.chunk().Code)
		p.expression()
		p.emitOp(POP)
		p.consume(token.RPAREN, "expected ')' at end of 'for'")
		p.emitLoop(lc.start)
		lc.start = incrStart
		p.patchBranch(body)
	}

	p.statement()
	p.emitLoop(lc.start)

	if exit != -1 {
		p.patchBranch(exit)
		p.emitOp(POP)
	}
	for _, br := range lc.breaks {
		p.patchBranch(br)
	}
	p.loop = lc.enclosing
	p.endScope()
}

// switchStmt keeps the scrutinee in a hidden local; each case reloads it,
// tests with EQ and falls to the next case on mismatch. A case body ends
// with a branch to the end of the switch.
func (p *parser) switchStmt() {
	p.beginScope()
	p.consume(token.LPAREN, "expected '(' after 'switch'")
	p.expression()
	p.consume(token.RPAREN, "expected ')' after switch value")

	p.addLocal("", false)
	p.markInitialized()
	slot := byte(len(p.comp.locals) - 1)

	p.consume(token.LBRACE, "expected '{' before switch cases")

	var ends []int
	for p.match(token.CASE) {
		p.emitTwo(byte(GET_LOCAL), slot)
		p.expression()
		p.consume(token.COLON, "expected ':' after case value")
		p.emitOp(EQ)
		next := p.emitBranch(BRANCH_FALSE)
		p.emitOp(POP)
		// each case body is its own scope: its locals are discarded before
		// the branch to the end, and sibling cases cannot see each other's
		// declarations
		p.beginScope()
		for !p.check(token.CASE) && !p.check(token.DEFAULT) &&
			!p.check(token.RBRACE) && !p.check(token.EOF) {
			p.declaration()
		}
		p.endScope()
		ends = append(ends, p.emitBranch(BRANCH))
		p.patchBranch(next)
		p.emitOp(POP)
	}
	if p.match(token.DEFAULT) {
		p.consume(token.COLON, "expected ':' after 'default'")
		p.beginScope()
		for !p.check(token.RBRACE) && !p.check(token.EOF) {
			p.declaration()
		}
		p.endScope()
	}
	p.consume(token.RBRACE, "expected '}' after switch cases")

	for _, end := range ends {
		p.patchBranch(end)
	}
	p.endScope()
}

func (p *parser) breakStmt() {
	p.consume(token.SEMI, "expected ';' after 'break'")
	if p.loop == nil {
		p.error("'break' outside of a loop")
		return
	}
	p.discardLocals(p.loop.scopeDepth)
	p.loop.breaks = append(p.loop.breaks, p.emitBranch(BRANCH))
}

func (p *parser) continueStmt() {
	p.consume(token.SEMI, "expected ';' after 'continue'")
	if p.loop == nil {
		p.error("'continue' outside of a loop")
		return
	}
	p.discardLocals(p.loop.scopeDepth)
	p.emitLoop(p.loop.start)
}

func (p *parser) returnStmt() {
	if p.comp.kind == kindScript {
		p.error("cannot return from top-level code")
	}
	if p.match(token.SEMI) {
		p.emitReturn()
		return
	}
	if p.comp.kind == kindInitializer {
		p.error("cannot return a value from an initializer")
	}
	p.expression()
	p.consume(token.SEMI, "expected ';' after return value")
	p.emitOp(RETURN)
}

/* expressions */

func (p *parser) expression() { p.parsePrecedence(precAssign) }

func (p *parser) parsePrecedence(prec precedence) {
	p.advance()
	prefix := getRule(p.prev.Type).prefix
	if prefix == nil {
		p.error("expected expression")
		return
	}
	canAssign := prec <= precAssign
	prefix(p, canAssign)

	for prec <= getRule(p.curr.Type).prec {
		p.advance()
		getRule(p.prev.Type).infix(p, canAssign)
	}
	if canAssign && p.match(token.EQ) {
		p.error("invalid assignment target")
	}
}

func grouping(p *parser, _ bool) {
	p.expression()
	p.consume(token.RPAREN, "expected ')' after expression")
}

func number(p *parser, _ bool) {
	f, _ := strconv.ParseFloat(p.prev.Lit, 64)
	p.emitConstant(types.Number(f))
}

func stringLit(p *parser, _ bool) {
	lit := p.prev.Lit
	p.emitConstant(p.heap.StringValue([]byte(lit[1 : len(lit)-1])))
}

func literal(p *parser, _ bool) {
	switch p.prev.Type {
	case token.FALSE:
		p.emitOp(FALSE)
	case token.NIL:
		p.emitOp(NIL)
	case token.TRUE:
		p.emitOp(TRUE)
	}
}

func variable(p *parser, canAssign bool) {
	p.namedVariable(p.prev.Lit, canAssign)
}

func unary(p *parser, _ bool) {
	op := p.prev.Type
	p.parsePrecedence(precUnary)
	switch op {
	case token.BANG:
		p.emitOp(NOT)
	case token.MINUS:
		p.emitOp(NEGATE)
	}
}

func binary(p *parser, _ bool) {
	op := p.prev.Type
	p.parsePrecedence(getRule(op).prec + 1)
	switch op {
	case token.BANGEQ:
		p.emitTwo(byte(EQ), byte(NOT))
	case token.EQEQ:
		p.emitOp(EQ)
	case token.GT:
		p.emitOp(GREATER)
	case token.GE:
		p.emitTwo(byte(LESS), byte(NOT))
	case token.LT:
		p.emitOp(LESS)
	case token.LE:
		p.emitTwo(byte(GREATER), byte(NOT))
	case token.PLUS:
		p.emitOp(ADD)
	case token.MINUS:
		p.emitOp(SUB)
	case token.STAR:
		p.emitOp(MUL)
	case token.SLASH:
		p.emitOp(DIV)
	}
}

// ternary compiles `cond ? a : b`; the colon separates branches parsed at
// the conditional precedence, making the operator right-associative.
func ternary(p *parser, _ bool) {
	elseBranch := p.emitBranch(BRANCH_FALSE)
	p.emitOp(POP)
	p.parsePrecedence(precConditional)
	end := p.emitBranch(BRANCH)
	p.consume(token.COLON, "expected ':' in conditional expression")
	p.patchBranch(elseBranch)
	p.emitOp(POP)
	p.parsePrecedence(precConditional)
	p.patchBranch(end)
}

func andOp(p *parser, _ bool) {
	end := p.emitBranch(BRANCH_FALSE)
	p.emitOp(POP)
	p.parsePrecedence(precAnd)
	p.patchBranch(end)
}

func orOp(p *parser, _ bool) {
	elseBranch := p.emitBranch(BRANCH_FALSE)
	end := p.emitBranch(BRANCH)
	p.patchBranch(elseBranch)
	p.emitOp(POP)
	p.parsePrecedence(precOr)
	p.patchBranch(end)
}

func callExpr(p *parser, _ bool) {
	argc := p.argumentList()
	p.emitTwo(byte(CALL), argc)
}

func dot(p *parser, canAssign bool) {
	p.consume(token.IDENT, "expected property name after '.'")
	name := p.identConstant(p.prev.Lit)

	switch {
	case canAssign && p.match(token.EQ):
		p.expression()
		p.emitTwo(byte(SET_PROPERTY), name)
	case p.match(token.LPAREN):
		argc := p.argumentList()
		p.emitTwo(byte(INVOKE), name)
		p.emitByte(argc)
	default:
		p.emitTwo(byte(GET_PROPERTY), name)
	}
}

func arrayLit(p *parser, _ bool) {
	count := 0
	if !p.check(token.RBRACK) {
		for {
			p.expression()
			count++
			if count > maxArgs {
				p.error("too many elements in array literal")
			}
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RBRACK, "expected ']' after array elements")
	p.emitTwo(byte(ARRAY), byte(count))
}

func subscript(p *parser, canAssign bool) {
	p.expression()
	p.consume(token.RBRACK, "expected ']' after index")
	if canAssign && p.match(token.EQ) {
		p.expression()
		p.emitOp(SET_INDEX)
		return
	}
	p.emitOp(GET_INDEX)
}

func lambdaExpr(p *parser, _ bool) {
	p.function(kindFunction, "lambda")
}

func thisExpr(p *parser, _ bool) {
	if p.class == nil {
		p.error("cannot use 'this' outside of a class")
		return
	}
	p.namedVariable("this", false)
}

func superExpr(p *parser, _ bool) {
	if p.class == nil {
		p.error("cannot use 'super' outside of a class")
	} else if !p.class.hasSuperclass {
		p.error("cannot use 'super' in a class with no superclass")
	}

	p.consume(token.DOT, "expected '.' after 'super'")
	p.consume(token.IDENT, "expected superclass method name")
	name := p.identConstant(p.prev.Lit)

	p.namedVariable("this", false)
	if p.match(token.LPAREN) {
		argc := p.argumentList()
		p.namedVariable("super", false)
		p.emitTwo(byte(SUPER_INVOKE), name)
		p.emitByte(argc)
	} else {
		p.namedVariable("super", false)
		p.emitTwo(byte(GET_SUPER), name)
	}
}

func (p *parser) argumentList() byte {
	argc := 0
	if !p.check(token.RPAREN) {
		for {
			p.expression()
			argc++
			if argc > maxArgs {
				p.error("cannot have more than 255 arguments")
			}
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RPAREN, "expected ')' after arguments")
	return byte(argc)
}
