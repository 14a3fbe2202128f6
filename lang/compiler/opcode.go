// Package compiler implements the single-pass compiler of the lotus
// language: a Pratt parser that consumes tokens from the scanner and emits
// bytecode directly into a chunk, resolving lexical scope, upvalues and
// classes as it goes, without building an AST. It also provides the textual
// disassembler used by the machine's bytecode dump and by tests.
package compiler

import "fmt"

// Opcode is a bytecode instruction. "x OP y" stack pictures describe the
// state of the operand stack before and after execution. OP<c> is an
// immediate u8 index into the constant pool, OP<cc> the u16 long form,
// OP<n> a raw u8 and OP<oo> a little-endian u16 jump distance.
type Opcode byte

//nolint:revive
const (
	CONSTANT      Opcode = iota //             - CONSTANT<c>       value
	CONSTANT_LONG               //             - CONSTANT_LONG<cc> value
	NIL                         //             - NIL               nil
	TRUE                        //             - TRUE              true
	FALSE                       //             - FALSE             false
	POP                         //             x POP               -
	DEFINE_GLOBAL               //         value DEFINE_GLOBAL<c>  -
	GET_GLOBAL                  //             - GET_GLOBAL<c>     value
	SET_GLOBAL                  //         value SET_GLOBAL<c>     value
	GET_LOCAL                   //             - GET_LOCAL<n>      value
	SET_LOCAL                   //         value SET_LOCAL<n>      value
	GET_UPVALUE                 //             - GET_UPVALUE<n>    value
	SET_UPVALUE                 //         value SET_UPVALUE<n>    value
	GET_PROPERTY                //          inst GET_PROPERTY<c>   value
	SET_PROPERTY                //    inst value SET_PROPERTY<c>   value
	GET_SUPER                   //    inst super GET_SUPER<c>      method
	EQ                          //           x y EQ                bool
	GREATER                     //           x y GREATER           bool
	LESS                        //           x y LESS              bool
	ADD                         //           x y ADD               x+y
	SUB                         //           x y SUB               x-y
	MUL                         //           x y MUL               x*y
	DIV                         //           x y DIV               x/y
	NOT                         //             x NOT               bool
	NEGATE                      //             x NEGATE            -x
	PRINT                       //             x PRINT             -
	BRANCH                      //             - BRANCH<oo>        -
	BRANCH_FALSE                //          cond BRANCH_FALSE<oo>  cond
	BRANCH_BACK                 //             - BRANCH_BACK<oo>   -
	CALL                        //    fn a1...an CALL<n>           result
	INVOKE                      //  inst a1...an INVOKE<c><n>      result
	SUPER_INVOKE                // inst a1...an super SUPER_INVOKE<c><n> result
	RETURN                      //         value RETURN            -
	CLOSURE                     //             - CLOSURE<c>(u...)  closure
	CLOSE_UPVALUE               //         value CLOSE_UPVALUE     -
	CLASS                       //             - CLASS<c>          class
	METHOD                      //  class method METHOD<c>         class
	STATIC                      //  class method STATIC<c>         class
	INHERIT                     //   super class INHERIT           super
	ARRAY                       //     e1 ... en ARRAY<n>          array
	GET_INDEX                   //         arr i GET_INDEX         elem
	SET_INDEX                   //   arr i value SET_INDEX         value

	opcodeMax = SET_INDEX
)

var opcodeNames = [...]string{
	ADD:           "ADD",
	ARRAY:         "ARRAY",
	BRANCH:        "BRANCH",
	BRANCH_BACK:   "BRANCH_BACK",
	BRANCH_FALSE:  "BRANCH_FALSE",
	CALL:          "CALL",
	CLASS:         "CLASS",
	CLOSE_UPVALUE: "CLOSE_UPVALUE",
	CLOSURE:       "CLOSURE",
	CONSTANT:      "CONSTANT",
	CONSTANT_LONG: "CONSTANT_LONG",
	DEFINE_GLOBAL: "DEFINE_GLOBAL",
	DIV:           "DIV",
	EQ:            "EQ",
	FALSE:         "FALSE",
	GET_GLOBAL:    "GET_GLOBAL",
	GET_INDEX:     "GET_INDEX",
	GET_LOCAL:     "GET_LOCAL",
	GET_PROPERTY:  "GET_PROPERTY",
	GET_SUPER:     "GET_SUPER",
	GET_UPVALUE:   "GET_UPVALUE",
	GREATER:       "GREATER",
	INHERIT:       "INHERIT",
	INVOKE:        "INVOKE",
	LESS:          "LESS",
	METHOD:        "METHOD",
	MUL:           "MUL",
	NEGATE:        "NEGATE",
	NIL:           "NIL",
	NOT:           "NOT",
	POP:           "POP",
	PRINT:         "PRINT",
	RETURN:        "RETURN",
	SET_GLOBAL:    "SET_GLOBAL",
	SET_INDEX:     "SET_INDEX",
	SET_LOCAL:     "SET_LOCAL",
	SET_PROPERTY:  "SET_PROPERTY",
	SET_UPVALUE:   "SET_UPVALUE",
	STATIC:        "STATIC",
	SUB:           "SUB",
	SUPER_INVOKE:  "SUPER_INVOKE",
	TRUE:          "TRUE",
}

func (op Opcode) String() string {
	if op <= opcodeMax {
		if name := opcodeNames[op]; name != "" {
			return name
		}
	}
	return fmt.Sprintf("illegal op (%d)", op)
}

// operands describes the immediate operand shape of an opcode, which is all
// the disassembler needs to walk a chunk.
type operands int8

const (
	opsNone      operands = iota
	opsByte               // one raw u8
	opsConst              // u8 constant index
	opsConstLong          // u16 constant index
	opsJump               // u16 jump distance
	opsInvoke             // u8 constant index + u8 argc
	opsClosure            // u8 constant index + per-upvalue descriptor pairs
)

var opcodeOperands = [...]operands{
	ADD:           opsNone,
	ARRAY:         opsByte,
	BRANCH:        opsJump,
	BRANCH_BACK:   opsJump,
	BRANCH_FALSE:  opsJump,
	CALL:          opsByte,
	CLASS:         opsConst,
	CLOSE_UPVALUE: opsNone,
	CLOSURE:       opsClosure,
	CONSTANT:      opsConst,
	CONSTANT_LONG: opsConstLong,
	DEFINE_GLOBAL: opsConst,
	DIV:           opsNone,
	EQ:            opsNone,
	FALSE:         opsNone,
	GET_GLOBAL:    opsConst,
	GET_INDEX:     opsNone,
	GET_LOCAL:     opsByte,
	GET_PROPERTY:  opsConst,
	GET_SUPER:     opsConst,
	GET_UPVALUE:   opsByte,
	GREATER:       opsNone,
	INHERIT:       opsNone,
	INVOKE:        opsInvoke,
	LESS:          opsNone,
	METHOD:        opsConst,
	MUL:           opsNone,
	NEGATE:        opsNone,
	NIL:           opsNone,
	NOT:           opsNone,
	POP:           opsNone,
	PRINT:         opsNone,
	RETURN:        opsNone,
	SET_GLOBAL:    opsConst,
	SET_INDEX:     opsNone,
	SET_LOCAL:     opsByte,
	SET_PROPERTY:  opsConst,
	SET_UPVALUE:   opsByte,
	STATIC:        opsConst,
	SUB:           opsNone,
	SUPER_INVOKE:  opsInvoke,
	TRUE:          opsNone,
}
