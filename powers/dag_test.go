///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package powers

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

// Tests that every power up to the degree is covered and parents multiply
// to their child.
func TestConfigure(t *testing.T) {
	d, err := Configure([]uint32{1, 2, 5}, 13, 3)
	if err != nil {
		t.Fatalf("Configure() returned an error: %+v", err)
	}

	for p := uint32(1); p <= d.MaxPower(); p++ {
		n, ok := d.Node(p)
		if !ok {
			t.Fatalf("Node(%d) missing from the plan", p)
		}
		if n.IsSource() {
			continue
		}
		if n.Left+n.Right != p {
			t.Errorf("Node(%d) parents %d and %d do not multiply to it",
				p, n.Left, n.Right)
		}
		l, _ := d.Node(n.Left)
		r, _ := d.Node(n.Right)
		maxParent := l.Depth
		if r.Depth > maxParent {
			maxParent = r.Depth
		}
		if n.Depth != maxParent+1 {
			t.Errorf("Node(%d) depth %d inconsistent with parents", p, n.Depth)
		}
	}

	if d.Depth() > 3 {
		t.Errorf("Depth() %d exceeds the budget", d.Depth())
	}
}

// Tests that two plans built from the same inputs are structurally
// identical, regardless of source power declaration order.
func TestConfigure_Deterministic(t *testing.T) {
	a, err := Configure([]uint32{1, 3, 8}, 20, 4)
	if err != nil {
		t.Fatalf("Configure() returned an error: %+v", err)
	}
	b, err := Configure([]uint32{8, 1, 3}, 20, 4)
	if err != nil {
		t.Fatalf("Configure() returned an error: %+v", err)
	}

	if a.Depth() != b.Depth() {
		t.Errorf("Plans differ in depth: %d vs %d", a.Depth(), b.Depth())
	}
	if !reflect.DeepEqual(a.SourcePowers(), b.SourcePowers()) {
		t.Errorf("Plans differ in source powers: %v vs %v",
			a.SourcePowers(), b.SourcePowers())
	}
	for p := uint32(1); p <= 20; p++ {
		na, _ := a.Node(p)
		nb, _ := b.Node(p)
		if na != nb {
			t.Errorf("Plans differ at power %d: %+v vs %+v", p, na, nb)
		}
	}
}

// Tests that an unreachable power surfaces as a plan infeasibility error.
func TestConfigure_Infeasible(t *testing.T) {
	// Powers of two only reach 4 at depth 2; 5 needs depth 3.
	_, err := Configure([]uint32{1}, 5, 2)
	if err == nil {
		t.Fatalf("Configure() accepted an infeasible budget")
	}
	if !errors.Is(err, ErrPlanInfeasible) {
		t.Errorf("Configure() returned the wrong error: %+v", err)
	}
}

// Tests the input validation paths.
func TestConfigure_Invalid(t *testing.T) {
	if _, err := Configure([]uint32{2, 4}, 8, 3); err == nil {
		t.Errorf("Configure() accepted sources without power 1")
	}
	if _, err := Configure([]uint32{1, 9}, 8, 3); err == nil {
		t.Errorf("Configure() accepted a source above the max power")
	}
	if _, err := Configure([]uint32{1}, 0, 3); err == nil {
		t.Errorf("Configure() accepted a zero max power")
	}
}

// Tests the ascending visit order and the multiplication count.
func TestApply(t *testing.T) {
	d, err := Configure([]uint32{1, 2}, 6, 3)
	if err != nil {
		t.Fatalf("Configure() returned an error: %+v", err)
	}

	var visited []uint32
	d.Apply(func(n Node) {
		for _, prev := range []uint32{n.Left, n.Right} {
			if prev == 0 {
				continue
			}
			seen := false
			for _, v := range visited {
				if v == prev {
					seen = true
				}
			}
			if !seen {
				t.Errorf("Apply() visited %d before its parent %d",
					n.Power, prev)
			}
		}
		visited = append(visited, n.Power)
	})

	if len(visited) != 6 {
		t.Errorf("Apply() visited %d nodes, expected 6", len(visited))
	}
	// 6 powers with 2 sources leaves 4 products.
	if d.MultiplicationCount() != 4 {
		t.Errorf("MultiplicationCount() returned %d, expected 4",
			d.MultiplicationCount())
	}
}
