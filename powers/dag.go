///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package powers builds the multiplication schedule used to evaluate the
// matching polynomial. Given the source powers that arrive encrypted with a
// query, the Dag describes how every power up to the polynomial degree is
// derived as a product of two earlier powers, keeping the multiplicative
// depth minimal so ciphertext noise growth stays bounded and predictable.
//
// The construction is a deterministic dynamic program over the target
// powers, so both parties derive structurally identical plans from the
// parameters alone without ever exchanging them.
package powers

import (
	"sort"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrPlanInfeasible is returned when some required power cannot be reached
// from the source powers within the depth budget. The caller must either
// raise the budget or reduce the polynomial degree.
var ErrPlanInfeasible = errors.New("no powers plan within the depth budget covers all required exponents")

// Node is one exponent in the plan. Source nodes are encrypted directly;
// every other node is the product of the nodes holding its two parent
// powers.
type Node struct {
	Power uint32
	Depth uint32

	// Parent powers; both zero for source nodes.
	Left  uint32
	Right uint32
}

// IsSource reports whether the node's power arrives directly encrypted.
func (n Node) IsSource() bool {
	return n.Left == 0
}

// Dag is the computation plan for all powers 1..MaxPower. Immutable once
// built; safe for concurrent readers.
type Dag struct {
	maxPower uint32
	depth    uint32
	sources  []uint32
	nodes    map[uint32]Node
}

// Configure builds the plan reaching every power in [1, maxPower] from the
// given source powers, minimizing each node's depth subject to depthBudget.
// The result depends only on the arguments.
func Configure(sourcePowers []uint32, maxPower uint32, depthBudget uint32) (*Dag, error) {
	if maxPower == 0 {
		return nil, errors.New("max power must be nonzero")
	}

	sources := make([]uint32, len(sourcePowers))
	copy(sources, sourcePowers)
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	nodes := make(map[uint32]Node, maxPower)
	for _, s := range sources {
		if s == 0 || s > maxPower {
			return nil, errors.Errorf("source power %d outside [1, %d]", s, maxPower)
		}
		nodes[s] = Node{Power: s}
	}
	if _, ok := nodes[1]; !ok {
		return nil, errors.New("source powers must include 1")
	}

	// Both parents of a power are strictly smaller, so one ascending pass
	// settles each node at its minimal depth. Ties break towards the
	// smallest left parent, which keeps the structure canonical across
	// parties.
	for p := uint32(2); p <= maxPower; p++ {
		if _, ok := nodes[p]; ok {
			continue
		}
		best := Node{Power: p, Depth: depthBudget + 1}
		for a := uint32(1); a <= p/2; a++ {
			la, oka := nodes[a]
			lb, okb := nodes[p-a]
			if !oka || !okb {
				continue
			}
			d := la.Depth
			if lb.Depth > d {
				d = lb.Depth
			}
			d++
			if d < best.Depth {
				best = Node{Power: p, Depth: d, Left: a, Right: p - a}
			}
		}
		if best.Depth > depthBudget {
			return nil, errors.WithMessagef(ErrPlanInfeasible,
				"power %d unreachable at depth <= %d", p, depthBudget)
		}
		nodes[p] = best
	}

	depth := uint32(0)
	for _, n := range nodes {
		if n.Depth > depth {
			depth = n.Depth
		}
	}

	jww.DEBUG.Printf("Configured powers plan: %d nodes, %d sources, depth %d",
		len(nodes), len(sources), depth)

	return &Dag{
		maxPower: maxPower,
		depth:    depth,
		sources:  sources,
		nodes:    nodes,
	}, nil
}

// MaxPower returns the largest power the plan covers.
func (d *Dag) MaxPower() uint32 {
	return d.maxPower
}

// Depth returns the multiplicative depth of the plan.
func (d *Dag) Depth() uint32 {
	return d.depth
}

// SourcePowers returns the sorted source power set.
func (d *Dag) SourcePowers() []uint32 {
	out := make([]uint32, len(d.sources))
	copy(out, d.sources)
	return out
}

// Node returns the plan node for the given power.
func (d *Dag) Node(power uint32) (Node, bool) {
	n, ok := d.nodes[power]
	return n, ok
}

// Apply visits every node in ascending power order, which is a valid
// topological order: both parents of a node are strictly smaller powers.
func (d *Dag) Apply(visit func(Node)) {
	for p := uint32(1); p <= d.maxPower; p++ {
		if n, ok := d.nodes[p]; ok {
			visit(n)
		}
	}
}

// MultiplicationCount returns the number of homomorphic multiplications the
// plan performs.
func (d *Dag) MultiplicationCount() int {
	count := 0
	for _, n := range d.nodes {
		if !n.IsSource() {
			count++
		}
	}
	return count
}
