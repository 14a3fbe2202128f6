package compiler

import (
	"fmt"
	"strings"

	"github.com/mna/lotus/lang/types"
)

// Disassemble renders the chunk as a textual listing under a header with the
// given name. Each line shows the code offset, the source line (or a pipe
// when unchanged from the previous instruction) and the decoded instruction.
func Disassemble(c *types.Chunk, name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = disassembleInstr(&sb, c, offset)
	}
	return sb.String()
}

// DumpFunction disassembles the chunk of fn and, recursively, of every
// function found in its constant pool. This is the listing printed by the
// CLI's -s flag.
func DumpFunction(fn *types.Object) string {
	var sb strings.Builder
	sb.WriteString(Disassemble(&fn.Fn.Chunk, types.ObjValue(fn).String()))
	for _, v := range fn.Fn.Chunk.Constants {
		if v.IsObjKind(types.OFunction) {
			sb.WriteString("\n")
			sb.WriteString(DumpFunction(v.AsObj()))
		}
	}
	return sb.String()
}

// InstructionSize returns the total encoded size of the instruction at
// offset, operands included. Used by tests to verify that a chunk re-parses
// consistently with what the compiler emitted.
func InstructionSize(c *types.Chunk, offset int) int {
	var sb strings.Builder
	return disassembleInstr(&sb, c, offset) - offset
}

func disassembleInstr(sb *strings.Builder, c *types.Chunk, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)
	line := c.GetLine(offset)
	if offset > 0 && line == c.GetLine(offset-1) {
		fmt.Fprint(sb, "   | ")
	} else {
		fmt.Fprintf(sb, "%4d ", line)
	}

	op := Opcode(c.Code[offset])
	if op > opcodeMax {
		fmt.Fprintf(sb, "unknown opcode %d\n", c.Code[offset])
		return offset + 1
	}

	switch opcodeOperands[op] {
	case opsNone:
		fmt.Fprintf(sb, "%s\n", op)
		return offset + 1

	case opsByte:
		fmt.Fprintf(sb, "%-16s %4d\n", op, c.Code[offset+1])
		return offset + 2

	case opsConst:
		idx := int(c.Code[offset+1])
		fmt.Fprintf(sb, "%-16s %4d '%s'\n", op, idx, constString(c, idx))
		return offset + 2

	case opsConstLong:
		idx := int(c.Code[offset+1]) | int(c.Code[offset+2])<<8
		fmt.Fprintf(sb, "%-16s %4d '%s'\n", op, idx, constString(c, idx))
		return offset + 3

	case opsJump:
		jump := int(c.Code[offset+1]) | int(c.Code[offset+2])<<8
		target := offset + 3 + jump
		if op == BRANCH_BACK {
			target = offset + 3 - jump
		}
		fmt.Fprintf(sb, "%-16s %4d -> %d\n", op, offset, target)
		return offset + 3

	case opsInvoke:
		idx := int(c.Code[offset+1])
		argc := c.Code[offset+2]
		fmt.Fprintf(sb, "%-16s (%d args) %4d '%s'\n", op, argc, idx, constString(c, idx))
		return offset + 3

	case opsClosure:
		idx := int(c.Code[offset+1])
		fmt.Fprintf(sb, "%-16s %4d '%s'\n", op, idx, constString(c, idx))
		offset += 2
		fn := c.Constants[idx].AsObj()
		for i := 0; i < fn.Fn.UpvalueCount; i++ {
			kind := "upvalue"
			if c.Code[offset] == 1 {
				kind = "local"
			}
			fmt.Fprintf(sb, "%04d    |                       %s %d\n",
				offset, kind, c.Code[offset+1])
			offset += 2
		}
		return offset
	}
	fmt.Fprintf(sb, "unknown operand shape for %s\n", op)
	return offset + 1
}

func constString(c *types.Chunk, idx int) string {
	if idx >= len(c.Constants) {
		return "???"
	}
	return c.Constants[idx].String()
}
