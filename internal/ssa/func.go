package ssa

import (
	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/jitapi"
)

// Range is a closed integer range. Underflow and Overflow mean the bound is not known on that side: the
// corresponding Min or Max then carries no information.
type Range struct {
	Min, Max            int64
	Underflow, Overflow bool
}

// Constraint is the value restriction a Pi node applies to its source on one control flow edge.
type Constraint struct {
	// MinVar and MaxVar are frame variables the bounds are relative to, -1 for absolute bounds. A relative bound
	// is the variable's bound plus Range.Min or Range.Max.
	MinVar, MaxVar int
	// MinSSAVar and MaxSSAVar are the versions of MinVar and MaxVar reaching the edge.
	MinSSAVar, MaxSSAVar int
	Range                Range
	// Negative constraints exclude Range instead of restricting the value to it.
	Negative bool
}

// Phi is a Phi node or, when Pi is not negative, a Pi node.
type Phi struct {
	Block int
	// Var is the frame variable the node merges or constrains.
	Var    int
	SSAVar int
	// Pi is the predecessor block whose edge the constraint holds on, -1 for a Phi.
	Pi int
	// Sources has one SSA id per predecessor of Block for a Phi and exactly one for a Pi.
	Sources    []int
	Constraint Constraint
}

// IsPi returns true for Pi nodes.
func (p *Phi) IsPi() bool { return p.Pi >= 0 }

// Op holds the SSA ids an instruction reads and writes, -1 where unused.
type Op struct {
	Op1Use, Op2Use    int
	Op1Def, ResultDef int
}

// Var is one SSA variable.
type Var struct {
	// Var is the frame variable this is a version of.
	Var int
	// Definition is the defining instruction, -1 if defined by a Phi or Pi or on entry.
	Definition int
	// DefinitionPhi is the defining Phi or Pi, -1 otherwise.
	DefinitionPhi int
	// Uses are the instructions reading the variable, in increasing order.
	Uses []int
	// PhiUses are the Phi and Pi nodes having the variable as a source.
	PhiUses []int
}

// DefinedOnEntry returns true for the initial version of a CV. It holds the value the frame has on entry.
func (v *Var) DefinedOnEntry() bool { return v.Definition < 0 && v.DefinitionPhi < 0 }

// Func is a function in e-SSA form.
type Func struct {
	Fn  *bytecode.Function
	CFG *CFG
	DFG *DFG
	// Ops is indexed by instruction.
	Ops  []Op
	Vars []Var
	// BlockPhis lists the nodes of each block: Pi nodes first, then Phi nodes.
	BlockPhis [][]int

	phis   *jitapi.Pool[Phi]
	phiIDs []int
}

// Phi returns the node with the given index.
func (f *Func) Phi(i int) *Phi { return f.phis.View(i) }

// Phis returns every node index in creation order.
func (f *Func) Phis() []int { return f.phiIDs }

// DefBlock returns the block defining the SSA variable v.
func (f *Func) DefBlock(v int) int {
	sv := &f.Vars[v]
	switch {
	case sv.Definition >= 0:
		return f.CFG.BlockOf[sv.Definition]
	case sv.DefinitionPhi >= 0:
		return f.Phi(sv.DefinitionPhi).Block
	default:
		return f.CFG.RPO[0]
	}
}

func (f *Func) newPhi(block, v, pi, sources int) (int, *Phi, error) {
	id, p, err := f.phis.Allocate()
	if err != nil {
		return -1, nil, err
	}
	*p = Phi{
		Block:   block,
		Var:     v,
		SSAVar:  -1,
		Pi:      pi,
		Sources: make([]int, sources),
		Constraint: Constraint{
			MinVar: -1, MaxVar: -1, MinSSAVar: -1, MaxSSAVar: -1,
		},
	}
	for i := range p.Sources {
		p.Sources[i] = -1
	}
	f.phiIDs = append(f.phiIDs, id)
	return id, p, nil
}

func (f *Func) newVar(v, definition, definitionPhi int) int {
	f.Vars = append(f.Vars, Var{Var: v, Definition: definition, DefinitionPhi: definitionPhi})
	return len(f.Vars) - 1
}
