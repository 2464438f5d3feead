package ir

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a deterministic textual serialization of f to w, used
// by the round-trip testable property in §8 ("print(ir) ∘ parse =
// identity").
func (f *Function) Print(w io.Writer) error {
	fmt.Fprintf(w, "function entry=%#x insts=%d {\n", f.EntryPC, f.GuestInstCount)
	for _, b := range f.Blocks {
		if err := f.printBlock(w, b); err != nil {
			return err
		}
	}
	fmt.Fprintln(w, "}")
	return nil
}

func (f *Function) printBlock(w io.Writer, b BlockRef) error {
	fmt.Fprintf(w, "  block%d:\n", b)
	for _, ref := range f.Iter(b) {
		n := f.arena[ref]
		fmt.Fprintf(w, "    %%%d = %s.%d %s %s\n", ref, n.Tag, n.Size, formatOperands(n), formatPayload(n.Payload))
	}
	nb := f.Next(b)
	if nb != InvalidBlock {
		fmt.Fprintf(w, "    -> block%d\n", nb)
	}
	return nil
}

func formatOperands(n Node) string {
	var parts []string
	for i := 0; i < int(n.NumOps) && i < maxInlineOperands; i++ {
		parts = append(parts, fmt.Sprintf("%%%d", n.Ops[i]))
	}
	if extra, ok := n.Payload.(ExtraOpsPayload); ok {
		for _, r := range extra.Extra {
			parts = append(parts, fmt.Sprintf("%%%d", r))
		}
	}
	return strings.Join(parts, ", ")
}

func formatPayload(p Payload) string {
	switch v := p.(type) {
	case nil:
		return ""
	case ConstantPayload:
		return fmt.Sprintf("#%#x", v.Value)
	case ContextPayload:
		return fmt.Sprintf("ctx[%d:%d]", v.Offset, v.Size)
	case CondPayload:
		return fmt.Sprintf("cc=%d", v.Cond)
	case BreakPayload:
		return fmt.Sprintf("sig=%d trap=%d", v.Signal, v.TrapNumber)
	case SyscallPayload:
		return fmt.Sprintf("abi=%d", v.ABI)
	default:
		return ""
	}
}

// String renders f via Print into a string, for test fixtures and
// debug logging call sites that do not already hold a Writer.
func (f *Function) String() string {
	var sb strings.Builder
	_ = f.Print(&sb)
	return sb.String()
}
