package ssa

import (
	"fmt"
	"math"
	"strings"
)

// String returns the listing of the function annotated with blocks, Phi and Pi nodes and SSA versions.
func (f *Func) String() string {
	var sb strings.Builder
	fn := f.Fn
	fmt.Fprintf(&sb, "%s: %d blocks, %d ssa vars\n", fn.Name, len(f.CFG.Blocks), len(f.Vars))
	for b := range f.CFG.Blocks {
		blk := &f.CFG.Blocks[b]
		fmt.Fprintf(&sb, "BB%d [%d..%d]", b, blk.Start, blk.End)
		if blk.Flags&^BlockReachable != 0 {
			fmt.Fprintf(&sb, " %s", blk.Flags&^BlockReachable)
		}
		if !blk.Reachable() {
			sb.WriteString(" unreachable\n")
			continue
		}
		if len(blk.Preds) > 0 {
			fmt.Fprintf(&sb, " preds=%v", blk.Preds)
		}
		if blk.Idom >= 0 {
			fmt.Fprintf(&sb, " idom=BB%d", blk.Idom)
		}
		if blk.LoopHeader >= 0 {
			fmt.Fprintf(&sb, " loop=BB%d", blk.LoopHeader)
		}
		sb.WriteByte('\n')
		for _, id := range f.BlockPhis[b] {
			sb.WriteString("    ")
			sb.WriteString(f.FormatPhi(id))
			sb.WriteByte('\n')
		}
		for pc := blk.Start; pc <= blk.End; pc++ {
			fmt.Fprintf(&sb, "    %d: %s", pc, fn.FormatInstruction(pc))
			op := &f.Ops[pc]
			var parts []string
			if op.Op1Use >= 0 {
				parts = append(parts, f.FormatVar(op.Op1Use))
			}
			if op.Op2Use >= 0 {
				parts = append(parts, f.FormatVar(op.Op2Use))
			}
			var defs []string
			if op.Op1Def >= 0 {
				defs = append(defs, f.FormatVar(op.Op1Def))
			}
			if op.ResultDef >= 0 {
				defs = append(defs, f.FormatVar(op.ResultDef))
			}
			if len(parts) > 0 || len(defs) > 0 {
				fmt.Fprintf(&sb, "  ; %s", strings.Join(parts, ", "))
				if len(defs) > 0 {
					fmt.Fprintf(&sb, " -> %s", strings.Join(defs, ", "))
				}
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// FormatVar returns "#id($name)" for the SSA variable v.
func (f *Func) FormatVar(v int) string {
	if v < 0 {
		return "#?"
	}
	return fmt.Sprintf("#%d(%s)", v, f.Fn.VarName(f.Vars[v].Var))
}

// FormatPhi returns a one line description of the node.
func (f *Func) FormatPhi(id int) string {
	p := f.Phi(id)
	srcs := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		srcs[i] = f.FormatVar(s)
	}
	if !p.IsPi() {
		return fmt.Sprintf("%s = Phi(%s)", f.FormatVar(p.SSAVar), strings.Join(srcs, ", "))
	}
	c := &p.Constraint
	neg := ""
	if c.Negative {
		neg = "~"
	}
	return fmt.Sprintf("%s = Pi<BB%d>(%s & %s[%s..%s])", f.FormatVar(p.SSAVar), p.Pi, srcs[0], neg,
		f.formatBound(c.MinVar, c.MinSSAVar, c.Range.Min, c.Range.Underflow, math.MinInt64),
		f.formatBound(c.MaxVar, c.MaxSSAVar, c.Range.Max, c.Range.Overflow, math.MaxInt64))
}

func (f *Func) formatBound(v, ssaVar int, delta int64, unbounded bool, limit int64) string {
	switch {
	case unbounded && v < 0:
		if limit < 0 {
			return "-INF"
		}
		return "+INF"
	case v < 0:
		return fmt.Sprint(delta)
	}
	name := f.Fn.VarName(v)
	if ssaVar >= 0 {
		name = f.FormatVar(ssaVar)
	}
	switch {
	case delta == 0:
		return name
	case delta > 0:
		return fmt.Sprintf("%s+%d", name, delta)
	default:
		return fmt.Sprintf("%s%d", name, delta)
	}
}
