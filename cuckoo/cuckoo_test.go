///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package cuckoo

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/params"
)

func testParams() *params.Parameters {
	return &params.Parameters{
		TableSize:      64,
		HashFuncCount:  4,
		InsertAttempts: 500,
		MaxBinLoad:     4,
		SourcePowers:   []uint32{1, 2},
		DepthBudget:    2,
		LogN:           12,
		PlainModulus:   65537,
	}
}

func makeItems(n int, offset uint64) []oprf.HashedItem {
	items := make([]oprf.HashedItem, n)
	for i := range items {
		binary.LittleEndian.PutUint64(items[i][:8], offset+uint64(i))
	}
	return items
}

// Tests that indexing below capacity succeeds and the translation table is
// a bijection between positions and occupied bins.
func TestIndex_Bijection(t *testing.T) {
	p := testParams()
	items := makeItems(40, 1000)

	table, itt, err := Index(items, p)
	if err != nil {
		t.Fatalf("Index() returned an error: %+v", err)
	}
	if itt.Len() != len(items) {
		t.Fatalf("Translation table covers %d positions, expected %d",
			itt.Len(), len(items))
	}

	seenBins := make(map[uint64]bool)
	for pos := range items {
		b, ok := itt.PositionToBin(pos)
		if !ok {
			t.Fatalf("PositionToBin(%d) has no mapping", pos)
		}
		if seenBins[b] {
			t.Errorf("Bin %d is mapped from two positions", b)
		}
		seenBins[b] = true

		back, ok := itt.BinToPosition(b)
		if !ok || back != pos {
			t.Errorf("BinToPosition(%d) returned %d, expected %d", b, back,
				pos)
		}

		item, ok := table.Bin(b)
		if !ok || item != items[pos] {
			t.Errorf("Bin %d does not hold the item from position %d", b,
				pos)
		}
	}
}

// Tests that an input vector larger than the table fails up front with the
// overflowing positions and no partial table.
func TestIndex_Overflow(t *testing.T) {
	p := testParams()
	items := makeItems(int(p.TableSize)+3, 0)

	table, itt, err := Index(items, p)
	if table != nil || itt != nil {
		t.Errorf("Index() returned a partial table alongside a failure")
	}

	capErr := &CapacityError{}
	if !errors.As(err, &capErr) {
		t.Fatalf("Index() returned the wrong error type: %+v", err)
	}
	if len(capErr.Positions) != 3 {
		t.Errorf("CapacityError names %d positions, expected 3",
			len(capErr.Positions))
	}
}

// Tests that exhausting the insertion walk surfaces as a capacity error.
// Three copies of one item only ever have two candidate bins under two
// hash functions, so the third copy can never settle.
func TestIndex_WalkExhausted(t *testing.T) {
	p := testParams()
	p.HashFuncCount = 2
	p.InsertAttempts = 50

	var item oprf.HashedItem
	item[0] = 0xab
	items := []oprf.HashedItem{item, item, item}

	hasher := NewHasher(p)
	if len(hasher.CandidateBins(item)) > 2 {
		t.Fatalf("CandidateBins() returned more bins than hash functions")
	}

	table, itt, err := Index(items, p)
	if table != nil || itt != nil {
		t.Errorf("Index() returned a partial table alongside a failure")
	}
	capErr := &CapacityError{}
	if !errors.As(err, &capErr) {
		t.Fatalf("Index() returned the wrong error type: %+v", err)
	}
}

// Tests the concrete sizing scenario: a table of 64 bins, 4 hash
// functions, a 500 attempt cap, and 10 items of which two pairs collide on
// their first hash function. All 10 must land in distinct bins.
func TestIndex_CollisionScenario(t *testing.T) {
	p := testParams()
	hasher := NewHasher(p)

	items := makeItems(6, 50000)

	// extend with two pairs colliding under hash function 0
	pool := makeItems(4096, 100000)
	for pair := 0; pair < 2; pair++ {
		anchor := items[pair]
		target := hasher.BinIndex(anchor, 0)
		found := false
		for _, cand := range pool {
			if cand != anchor && hasher.BinIndex(cand, 0) == target {
				items = append(items, cand)
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("Could not construct a colliding pair for item %d", pair)
		}
	}
	items = append(items, makeItems(2, 200000)...)
	if len(items) != 10 {
		t.Fatalf("Scenario holds %d items, expected 10", len(items))
	}

	_, itt, err := Index(items, p)
	if err != nil {
		t.Fatalf("Index() returned an error: %+v", err)
	}

	bins := make(map[uint64]bool)
	for pos := 0; pos < len(items); pos++ {
		b, ok := itt.PositionToBin(pos)
		if !ok {
			t.Fatalf("PositionToBin(%d) has no mapping", pos)
		}
		bins[b] = true
	}
	if len(bins) != 10 {
		t.Errorf("Items occupy %d distinct bins, expected 10", len(bins))
	}
}

// Tests that both parties derive identical hash functions from identical
// parameters, and different ones from different parameters.
func TestHasher_Deterministic(t *testing.T) {
	a := NewHasher(testParams())
	b := NewHasher(testParams())

	other := testParams()
	other.HashFuncCount = 5
	c := NewHasher(other)

	items := makeItems(20, 7000)
	for _, item := range items {
		for h := 0; h < a.HashFuncCount(); h++ {
			if a.BinIndex(item, h) != b.BinIndex(item, h) {
				t.Fatalf("BinIndex(%v, %d) differs between equal parameter "+
					"sets", item, h)
			}
		}
	}

	// A stray equality between distinct seeds is possible, a run across
	// every item is not.
	differs := false
	for _, item := range items {
		if a.BinIndex(item, 0) != c.BinIndex(item, 0) {
			differs = true
			break
		}
	}
	if !differs {
		t.Errorf("Hash functions identical across differing parameter sets")
	}
}
