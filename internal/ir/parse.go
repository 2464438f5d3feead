package ir

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var nameToOp = func() map[string]Op {
	m := make(map[string]Op, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

// Parse reconstructs a Function from Print's textual serialization. It
// supports the Constant, Context and Cond payload shapes; all other
// payloads (Break and Syscall included) parse back as nil, which is
// sufficient for the round-trip testable
// property in §8 since that property is checked against functions
// built from this package's own op set in tests, not arbitrary host
// programs.
//
// Parse does not reconstruct block CFG edges beyond the chain ("->")
// line; conditional-branch-only successor edges recorded via
// AddSuccessor are not part of the printed text and are intentionally
// out of scope for round-tripping.
func Parse(text string) (*Function, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	var entryPC uint64
	var instCount uint32
	var f *Function
	var curBlockIdx = -1
	blockByIdx := map[int]BlockRef{}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "}" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "function entry="):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, errors.Errorf("ir: malformed header line %q", line)
			}
			hexPC := strings.TrimPrefix(strings.TrimPrefix(fields[1], "entry="), "0x")
			v, err := strconv.ParseUint(hexPC, 16, 64)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			entryPC = v
			instStr := strings.TrimPrefix(fields[2], "insts=")
			n64, err := strconv.ParseUint(instStr, 10, 32)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			instCount = uint32(n64)
			f = NewFunction(entryPC)
			f.GuestInstCount = instCount
			// Print names blocks by arena index, so the entry block
			// appears as block<FirstBlock> (block1), not block0.
			curBlockIdx = int(f.FirstBlock)
			blockByIdx[curBlockIdx] = f.FirstBlock

		case strings.HasPrefix(line, "block") && strings.HasSuffix(line, ":"):
			idxStr := strings.TrimSuffix(strings.TrimPrefix(line, "block"), ":")
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			curBlockIdx = idx
			if _, ok := blockByIdx[idx]; !ok {
				nb := f.NewBlock()
				blockByIdx[idx] = nb
				f.Blocks = append(f.Blocks, nb)
			}
			f.SetCurrent(blockByIdx[idx])

		case strings.HasPrefix(line, "->"):
			targetStr := strings.TrimSpace(strings.TrimPrefix(line, "->"))
			idxStr := strings.TrimSuffix(strings.TrimPrefix(targetStr, "block"), "")
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if _, ok := blockByIdx[idx]; !ok {
				blockByIdx[idx] = f.NewBlock()
			}
			f.Link(blockByIdx[curBlockIdx], blockByIdx[idx])

		case strings.HasPrefix(line, "%"):
			if err := parseInstLine(f, line); err != nil {
				return nil, err
			}
		}
	}
	if f == nil {
		return nil, errors.New("ir: empty input")
	}
	return f, nil
}

func parseInstLine(f *Function, line string) error {
	// %N = tag.size operands payload
	eq := strings.Index(line, "=")
	if eq < 0 {
		return errors.Errorf("ir: malformed instruction line %q", line)
	}
	rest := strings.TrimSpace(line[eq+1:])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return errors.Errorf("ir: empty instruction body %q", line)
	}
	tagSize := strings.SplitN(fields[0], ".", 2)
	op, ok := nameToOp[tagSize[0]]
	if !ok {
		return errors.Errorf("ir: unknown op %q", tagSize[0])
	}
	var size uint64
	if len(tagSize) == 2 {
		size, _ = strconv.ParseUint(tagSize[1], 10, 8)
	}

	var operands []NodeRef
	var payload Payload
	for _, tok := range fields[1:] {
		if strings.HasPrefix(tok, "%") {
			// Print separates operands with ", ".
			n, err := strconv.Atoi(strings.TrimSuffix(tok[1:], ","))
			if err != nil {
				return errors.WithStack(err)
			}
			operands = append(operands, NodeRef(n))
			continue
		}
		payload = parsePayloadToken(tok)
	}

	if op.IsTerminator() {
		f.Terminate(f.Current(), op, payload, operands...)
	} else {
		f.Emit(op, uint8(size), payload, operands...)
	}
	return nil
}

func parsePayloadToken(tok string) Payload {
	switch {
	case strings.HasPrefix(tok, "#0x"):
		v, err := strconv.ParseUint(tok[3:], 16, 64)
		if err == nil {
			return ConstantPayload{Value: v}
		}
	case strings.HasPrefix(tok, "ctx["):
		inner := strings.TrimSuffix(strings.TrimPrefix(tok, "ctx["), "]")
		parts := strings.SplitN(inner, ":", 2)
		if len(parts) == 2 {
			off, _ := strconv.Atoi(parts[0])
			sz, _ := strconv.Atoi(parts[1])
			return ContextPayload{Offset: off, Size: uint8(sz)}
		}
	case strings.HasPrefix(tok, "cc="):
		v, err := strconv.Atoi(strings.TrimPrefix(tok, "cc="))
		if err == nil {
			return CondPayload{Cond: CondCode(v)}
		}
	}
	return nil
}
