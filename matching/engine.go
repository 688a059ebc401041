///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package matching evaluates the membership test homomorphically. For every
// cuckoo bin the engine evaluates a polynomial whose roots are the items
// assigned to that bin, at the encrypted queried point, using only the
// multiplication structure of the powers plan. The per-bin result decrypts
// to the bin's obfuscation mask iff the query matched something there.
//
// The engine never decrypts and never branches on secret values: every bin
// evaluates the same expression shape regardless of its contents.
package matching

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/ldsec/lattigo/bfv"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/mcrg/epsu/crypto"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/powers"
)

// EncodeItem reduces a hashed item into the plaintext space, avoiding the
// sentinel value t-1 reserved for bin padding. Both parties must encode
// identically or no match would ever be found.
func EncodeItem(item oprf.HashedItem, t uint64) uint64 {
	return binary.LittleEndian.Uint64(item[:8]) % (t - 1)
}

// QueryPowers holds the encrypted source powers of one query, slot-packed
// so slot b carries the queried value of bin b raised to the source power.
type QueryPowers struct {
	Source map[uint32]*bfv.Ciphertext
}

// MatchVector is the obfuscated, encrypted result of one evaluation. Part
// i covers partBins bins starting at i*partBins; only that range of its
// slots is meaningful. Masks holds the per-bin obfuscation values that
// travel to the query party through the oblivious shuffle.
type MatchVector struct {
	Parts    []*bfv.Ciphertext
	PartBins uint64
	Masks    []uint64
}

// Evaluate runs the matching polynomial over all bins. bins[b] lists the
// sender-set values assigned to bin b, each already reduced into the
// plaintext space; every bin is padded to the same degree internally.
func Evaluate(q *QueryPowers, plan *powers.Dag, ctx *crypto.Context, bins [][]uint64, partBins uint64) (*MatchVector, error) {
	if !ctx.Ready() {
		return nil, errors.New("crypto context holds no relinearization key")
	}
	nbins := uint64(len(bins))
	if nbins == 0 || nbins > ctx.Slots() {
		return nil, errors.Errorf("bin count %d outside [1, %d]", nbins, ctx.Slots())
	}
	if partBins == 0 {
		partBins = nbins
	}

	degree := plan.MaxPower()
	t := ctx.Params().T

	all, err := completePowers(q, plan, ctx)
	if err != nil {
		return nil, err
	}

	// Build the per-degree coefficient vectors of the bin polynomials
	// prod(x - y). Every bin is padded to the full degree with a sentinel
	// root outside the item encoding range, so the evaluation shape never
	// depends on bin load.
	coeffs, err := binCoefficients(bins, degree, t)
	if err != nil {
		return nil, err
	}

	encoder := bfv.NewEncoder(ctx.Params())
	evaluator := bfv.NewEvaluator(ctx.Params())

	// acc = sum_d coeff_d * x^d + coeff_0
	var acc *bfv.Ciphertext
	for d := uint32(1); d <= degree; d++ {
		pt := bfv.NewPlaintext(ctx.Params())
		encoder.EncodeUint(padSlots(coeffs[d], ctx.Slots()), pt)
		term := evaluator.MulNew(all[d], pt)
		if acc == nil {
			acc = term
		} else {
			acc = evaluator.AddNew(acc, term)
		}
	}
	c0 := bfv.NewPlaintext(ctx.Params())
	encoder.EncodeUint(padSlots(coeffs[0], ctx.Slots()), c0)
	acc = evaluator.AddNew(acc, c0)

	// Obfuscate: every part is acc * r + m with fresh uniform nonzero r
	// and uniform mask m per slot. A nonmatching bin decrypts to a value
	// uniform over the plaintext space; a matching bin decrypts exactly
	// to its mask.
	masks := randomVector(nbins, t, false)

	partCount := (nbins + partBins - 1) / partBins
	parts := make([]*bfv.Ciphertext, 0, partCount)
	for p := uint64(0); p < partCount; p++ {
		r := randomVector(ctx.Slots(), t, true)
		m := randomVector(ctx.Slots(), t, false)
		lo := p * partBins
		hi := lo + partBins
		if hi > nbins {
			hi = nbins
		}
		for b := lo; b < hi; b++ {
			m[b] = masks[b]
		}

		rPt := bfv.NewPlaintext(ctx.Params())
		encoder.EncodeUint(r, rPt)
		mPt := bfv.NewPlaintext(ctx.Params())
		encoder.EncodeUint(m, mPt)

		part := evaluator.MulNew(acc, rPt)
		part = evaluator.AddNew(part, mPt)
		parts = append(parts, part)
	}

	jww.DEBUG.Printf("Evaluated matching polynomial over %d bins "+
		"(degree %d, depth %d, %d parts)", nbins, degree, plan.Depth(),
		len(parts))

	return &MatchVector{Parts: parts, PartBins: partBins, Masks: masks}, nil
}

// completePowers derives every power the plan names from the encrypted
// source powers, in plan order only.
func completePowers(q *QueryPowers, plan *powers.Dag, ctx *crypto.Context) (map[uint32]*bfv.Ciphertext, error) {
	evaluator := bfv.NewEvaluator(ctx.Params())
	all := make(map[uint32]*bfv.Ciphertext, plan.MaxPower())

	var derr error
	plan.Apply(func(n powers.Node) {
		if derr != nil {
			return
		}
		if n.IsSource() {
			ct, ok := q.Source[n.Power]
			if !ok {
				derr = errors.Errorf("query is missing source power %d", n.Power)
				return
			}
			all[n.Power] = ct
			return
		}
		left, right := all[n.Left], all[n.Right]
		if left == nil || right == nil {
			derr = errors.Errorf("plan parents of power %d not yet derived", n.Power)
			return
		}
		prod := evaluator.MulNew(left, right)
		evaluator.Relinearize(prod, ctx.RelinKey(), prod)
		all[n.Power] = prod
	})
	if derr != nil {
		return nil, derr
	}
	return all, nil
}

// binCoefficients expands each bin's root set into polynomial coefficients
// and regroups them per degree: coeffs[d][b] is the degree-d coefficient
// of bin b's polynomial.
func binCoefficients(bins [][]uint64, degree uint32, t uint64) ([][]uint64, error) {
	coeffs := make([][]uint64, degree+1)
	for d := range coeffs {
		coeffs[d] = make([]uint64, len(bins))
	}

	for b, roots := range bins {
		if uint32(len(roots)) > degree {
			return nil, errors.Errorf("bin %d holds %d items, above the "+
				"declared maximum %d", b, len(roots), degree)
		}
		// pad with the sentinel root t-1, which is outside the item
		// encoding range
		padded := make([]uint64, degree)
		copy(padded, roots)
		for i := len(roots); i < int(degree); i++ {
			padded[i] = t - 1
		}

		// expand prod (x - y_i) over Z_t
		poly := make([]uint64, degree+1)
		poly[0] = 1
		for _, y := range padded {
			neg := (t - y%t) % t
			next := make([]uint64, degree+1)
			for d := 0; d <= int(degree); d++ {
				if poly[d] == 0 {
					continue
				}
				// times (-y)
				next[d] = (next[d] + mulMod(poly[d], neg, t)) % t
				// times x
				if d+1 <= int(degree) {
					next[d+1] = (next[d+1] + poly[d]) % t
				}
			}
			poly = next
		}
		for d := 0; d <= int(degree); d++ {
			coeffs[d][b] = poly[d]
		}
	}
	return coeffs, nil
}

// randomVector samples n values uniform over Z_t, nonzero when requested.
func randomVector(n, t uint64, nonzero bool) []uint64 {
	out := make([]uint64, n)
	var buf [8]byte
	for i := range out {
		for {
			if _, err := crand.Read(buf[:]); err != nil {
				panic(err)
			}
			v := binary.LittleEndian.Uint64(buf[:]) % t
			if nonzero && v == 0 {
				continue
			}
			out[i] = v
			break
		}
	}
	return out
}

func padSlots(v []uint64, slots uint64) []uint64 {
	if uint64(len(v)) == slots {
		return v
	}
	out := make([]uint64, slots)
	copy(out, v)
	return out
}

func mulMod(a, b, t uint64) uint64 {
	// t fits in 32 bits for every supported parameter set, so the product
	// of two reduced values cannot overflow.
	return (a % t) * (b % t) % t
}
