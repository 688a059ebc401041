///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package cuckoo implements the item indexer: OPRF-hashed items are placed
// into a cuckoo hash table by bounded random-walk insertion, and an index
// translation table records where every original input position ended up.
// Both parties derive the same hash functions from the parameter digest, so
// the bin an item lands in is meaningful to the counterparty's matching
// engine.
package cuckoo

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/blake2b"

	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/params"
)

// CapacityError reports the original input positions whose insertion walk
// exhausted the attempt cap. Indexing never returns a partial table
// alongside it.
type CapacityError struct {
	Positions []int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cuckoo insertion attempts exhausted for input "+
		"positions %v", e.Positions)
}

// bin holds at most one hashed item and remembers which input position put
// it there.
type bin struct {
	item     oprf.HashedItem
	position int
	occupied bool
}

// Hasher evaluates the table's hash functions. Both parties derive the
// same functions from the parameter digest, so the counterparty assigns
// its own items to the same bins without ever building a table.
type Hasher struct {
	seeds     [][32]byte
	tableSize uint64
}

// NewHasher derives the hash functions for a parameter set.
func NewHasher(p *params.Parameters) *Hasher {
	return &Hasher{
		seeds:     deriveSeeds(p),
		tableSize: p.TableSize,
	}
}

// BinIndex evaluates hash function h on the item.
func (hr *Hasher) BinIndex(item oprf.HashedItem, h int) uint64 {
	mac, err := blake2b.New(8, hr.seeds[h][:])
	if err != nil {
		panic(err)
	}
	mac.Write(item[:])
	return binary.LittleEndian.Uint64(mac.Sum(nil)) % hr.tableSize
}

// CandidateBins returns every bin the item may occupy, deduplicated.
func (hr *Hasher) CandidateBins(item oprf.HashedItem) []uint64 {
	out := make([]uint64, 0, len(hr.seeds))
	for h := range hr.seeds {
		idx := hr.BinIndex(item, h)
		dup := false
		for _, seen := range out {
			if seen == idx {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, idx)
		}
	}
	return out
}

// HashFuncCount returns the number of hash functions.
func (hr *Hasher) HashFuncCount() int {
	return len(hr.seeds)
}

// Table is the filled cuckoo table for one query.
type Table struct {
	bins   []bin
	hasher *Hasher
}

// IndexTranslationTable maps original input positions to final bin indices
// and back. Bijective over the inserted items, immutable once returned,
// and owned by the query that created it.
type IndexTranslationTable struct {
	positionToBin map[int]uint64
	binToPosition map[uint64]int
}

// Index inserts the hashed items into a fresh cuckoo table. On success it
// returns the table and a translation table covering every position; if
// any insertion walk exceeds the attempt cap it returns a CapacityError
// and no table at all.
func Index(hashed []oprf.HashedItem, p *params.Parameters) (*Table, *IndexTranslationTable, error) {
	if uint64(len(hashed)) > p.TableSize {
		return nil, nil, errors.WithStack(&CapacityError{
			Positions: overflowPositions(len(hashed), p.TableSize),
		})
	}

	t := &Table{
		bins:   make([]bin, p.TableSize),
		hasher: NewHasher(p),
	}

	// The random walk only decides which occupant to evict; seeding it
	// from the parameter digest keeps indexing reproducible for a given
	// input vector.
	digest := p.Digest()
	walk := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(digest[:8]))))

	for pos, item := range hashed {
		if err := t.insert(item, pos, p.InsertAttempts, walk); err != nil {
			return nil, nil, err
		}
	}

	itt := &IndexTranslationTable{
		positionToBin: make(map[int]uint64, len(hashed)),
		binToPosition: make(map[uint64]int, len(hashed)),
	}
	for i := range t.bins {
		if t.bins[i].occupied {
			itt.positionToBin[t.bins[i].position] = uint64(i)
			itt.binToPosition[uint64(i)] = t.bins[i].position
		}
	}

	jww.DEBUG.Printf("Indexed %d items into a table of %d bins", len(hashed),
		p.TableSize)
	return t, itt, nil
}

// insert walks the table until the carried item finds an empty bin. Every
// probe counts against the attempt cap; occupied bins are probed across
// all hash functions before anything is evicted, so duplicate items end up
// in distinct bins.
func (t *Table) insert(item oprf.HashedItem, position int, attempts uint64, walk *rand.Rand) error {
	cur := bin{item: item, position: position, occupied: true}

	for attempt := uint64(0); attempt < attempts; attempt++ {
		// look for a free slot under any hash function first
		placed := false
		for h := 0; h < t.hasher.HashFuncCount(); h++ {
			idx := t.hasher.BinIndex(cur.item, h)
			if !t.bins[idx].occupied {
				t.bins[idx] = cur
				placed = true
				break
			}
		}
		if placed {
			return nil
		}

		// evict the occupant of a randomly chosen candidate bin and
		// carry it forward
		h := walk.Intn(t.hasher.HashFuncCount())
		idx := t.hasher.BinIndex(cur.item, h)
		t.bins[idx], cur = cur, t.bins[idx]
	}

	return errors.WithStack(&CapacityError{Positions: []int{cur.position}})
}

// Size returns the number of bins.
func (t *Table) Size() uint64 {
	return uint64(len(t.bins))
}

// Bin returns the hashed item in bin i, if any.
func (t *Table) Bin(i uint64) (oprf.HashedItem, bool) {
	if i >= uint64(len(t.bins)) || !t.bins[i].occupied {
		return oprf.HashedItem{}, false
	}
	return t.bins[i].item, true
}

// PositionToBin returns the final bin of the item inserted from the given
// input position.
func (itt *IndexTranslationTable) PositionToBin(position int) (uint64, bool) {
	b, ok := itt.positionToBin[position]
	return b, ok
}

// BinToPosition returns the input position whose item occupies the given
// bin.
func (itt *IndexTranslationTable) BinToPosition(b uint64) (int, bool) {
	p, ok := itt.binToPosition[b]
	return p, ok
}

// Len returns the number of translated positions.
func (itt *IndexTranslationTable) Len() int {
	return len(itt.positionToBin)
}

// deriveSeeds expands the parameter digest into one keyed-hash seed per
// hash function. Both parties compute identical seeds from identical
// parameters.
func deriveSeeds(p *params.Parameters) [][32]byte {
	digest := p.Digest()
	seeds := make([][32]byte, p.HashFuncCount)
	for i := range seeds {
		var buf [40]byte
		copy(buf[:32], digest[:])
		binary.LittleEndian.PutUint64(buf[32:], uint64(i))
		seeds[i] = blake2b.Sum256(buf[:])
	}
	return seeds
}

func overflowPositions(n int, tableSize uint64) []int {
	out := make([]int, 0, uint64(n)-tableSize)
	for i := int(tableSize); i < n; i++ {
		out = append(out, i)
	}
	return out
}
