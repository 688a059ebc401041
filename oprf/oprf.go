///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package oprf holds the query party's side of the OPRF exchange. The
// keyed evaluation itself belongs to the counterparty; this package builds
// the request from a receiver state object and extracts hashed items plus
// per-item label keys from the response. Both are opaque to the rest of
// the protocol.
package oprf

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"gitlab.com/mcrg/epsu/network"
)

const (
	// HashedItemSize is the width of one OPRF hashed item.
	HashedItemSize = 16
	// LabelKeySize is the width of one per-item label key.
	LabelKeySize = 32
	// evaluatedSize is the width of one evaluated OPRF output on the wire.
	evaluatedSize = HashedItemSize + LabelKeySize
)

// Item is one raw input item.
type Item []byte

// HashedItem is the OPRF output for one item: a fixed-width pseudorandom
// value. Collisions are possible and are handled downstream, never assumed
// away.
type HashedItem [HashedItemSize]byte

// LabelKey decrypts the label attached to a matched item.
type LabelKey [LabelKeySize]byte

// Receiver is the per-exchange OPRF state. It pins the item order so the
// extracted hashes line up with the original input vector.
type Receiver struct {
	digests [][]byte
}

// NewReceiver digests the raw items for the exchange. The digest is
// one-way; raw items never cross the wire.
func NewReceiver(items []Item) (*Receiver, error) {
	if len(items) == 0 {
		return nil, errors.New("cannot run the OPRF exchange on zero items")
	}
	digests := make([][]byte, len(items))
	for i, item := range items {
		d := blake2b.Sum256(item)
		digests[i] = d[:]
	}
	return &Receiver{digests: digests}, nil
}

// ItemCount returns the number of items in the exchange.
func (r *Receiver) ItemCount() int {
	return len(r.digests)
}

// CreateRequest builds the OPRF request for this receiver.
func (r *Receiver) CreateRequest() *network.OPRFRequest {
	out := make([][]byte, len(r.digests))
	for i, d := range r.digests {
		c := make([]byte, len(d))
		copy(c, d)
		out[i] = c
	}
	return &network.OPRFRequest{Digests: out}
}

// ExtractHashes splits the response into hashed items and label keys, in
// the order of the receiver's original input vector. A response of the
// wrong shape is a protocol violation.
func ExtractHashes(resp *network.OPRFResponse, r *Receiver) ([]HashedItem, []LabelKey, error) {
	if resp == nil {
		return nil, nil, errors.WithMessage(network.ErrProtocolViolation,
			"no OPRF response received")
	}
	if len(resp.Evaluated) != len(r.digests) {
		return nil, nil, errors.WithMessagef(network.ErrProtocolViolation,
			"OPRF response holds %d outputs for %d requested items",
			len(resp.Evaluated), len(r.digests))
	}

	hashes := make([]HashedItem, len(resp.Evaluated))
	keys := make([]LabelKey, len(resp.Evaluated))
	for i, ev := range resp.Evaluated {
		if len(ev) != evaluatedSize {
			return nil, nil, errors.WithMessagef(network.ErrProtocolViolation,
				"OPRF output %d has width %d, expected %d", i, len(ev),
				evaluatedSize)
		}
		copy(hashes[i][:], ev[:HashedItemSize])
		copy(keys[i][:], ev[HashedItemSize:])
	}
	return hashes, keys, nil
}

// Evaluator is the counterparty's keyed PRF. It lives here so the
// counterparty role and the tests evaluate with the same construction; the
// query party never holds a key.
type Evaluator struct {
	key [32]byte
}

// NewEvaluator wraps an OPRF key.
func NewEvaluator(key [32]byte) *Evaluator {
	return &Evaluator{key: key}
}

// Evaluate applies the keyed PRF to one item digest.
func (e *Evaluator) Evaluate(digest []byte) []byte {
	h, err := blake2b.New(evaluatedSize, e.key[:])
	if err != nil {
		panic(err)
	}
	h.Write(digest)
	return h.Sum(nil)
}

// EvaluateItem hashes one raw item the way the full exchange would,
// returning its hashed item and label key. The counterparty uses this on
// its own set.
func (e *Evaluator) EvaluateItem(item Item) (HashedItem, LabelKey) {
	d := blake2b.Sum256(item)
	ev := e.Evaluate(d[:])

	var hi HashedItem
	var lk LabelKey
	copy(hi[:], ev[:HashedItemSize])
	copy(lk[:], ev[HashedItemSize:])
	return hi, lk
}

// Respond evaluates a full OPRF request.
func (e *Evaluator) Respond(req *network.OPRFRequest) *network.OPRFResponse {
	out := make([][]byte, len(req.Digests))
	for i, d := range req.Digests {
		out[i] = e.Evaluate(d)
	}
	return &network.OPRFResponse{Evaluated: out}
}
