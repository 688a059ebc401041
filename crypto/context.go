///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package crypto wraps the homomorphic-encryption backend (lattigo BFV)
// behind the read-only capability the matching engine consumes: the
// encryption parameter set and the relinearization key. Secret key material
// never lives on the Context; encryption and decryption of query values
// belong to the party that generated the keys.
package crypto

import (
	"github.com/ldsec/lattigo/bfv"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/mcrg/epsu/params"
)

// Context owns the BFV public parameters and, once keys have been
// generated or received, the relinearization key. Not mutated after
// construction; safe for concurrent readers.
type Context struct {
	protocol  *params.Parameters
	bfvParams *bfv.Parameters
	relinKey  *bfv.EvaluationKey
}

// Keys holds the key material returned to the owning session. The secret
// key must never be handed to the matching engine or put on the wire.
type Keys struct {
	Sk *bfv.SecretKey
	Pk *bfv.PublicKey
}

// NewContext validates the protocol parameters against the BFV backend and
// builds a context without key material.
func NewContext(p *params.Parameters) (*Context, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid protocol parameters")
	}

	var idx uint64
	switch p.LogN {
	case 12:
		idx = bfv.PN12QP109
	case 13:
		idx = bfv.PN13QP218
	case 14:
		idx = bfv.PN14QP438
	case 15:
		idx = bfv.PN15QP880
	default:
		return nil, errors.Errorf("no default BFV parameter set for logN %d", p.LogN)
	}

	// Copy the default set before overriding the plaintext modulus so the
	// shared defaults table is never mutated.
	bp := *bfv.DefaultParams[idx]
	bp.T = p.PlainModulus

	n := uint64(1) << p.LogN
	if p.TableSize > n {
		return nil, errors.Errorf("table size %d exceeds the %d plaintext "+
			"slots of the ring", p.TableSize, n)
	}
	// Batching requires the plaintext modulus to split completely over the
	// ring.
	if (p.PlainModulus-1)%(2*n) != 0 {
		return nil, errors.Errorf("plaintext modulus %d is not congruent "+
			"to 1 mod 2N=%d", p.PlainModulus, 2*n)
	}

	return &Context{
		protocol:  p.Copy(),
		bfvParams: &bp,
	}, nil
}

// GenerateKeys creates a fresh key set and returns a new context carrying
// the matching relinearization key. The old context and any ciphertexts
// built against it are invalidated.
func (c *Context) GenerateKeys() (*Context, *Keys, error) {
	kgen := bfv.NewKeyGenerator(c.bfvParams)
	sk, pk := kgen.GenKeyPair()
	rlk := kgen.GenRelinKey(sk, 1)

	jww.INFO.Printf("Generated fresh BFV key set (logN=%d, t=%d)",
		c.protocol.LogN, c.bfvParams.T)

	next := &Context{
		protocol:  c.protocol,
		bfvParams: c.bfvParams,
		relinKey:  rlk,
	}
	return next, &Keys{Sk: sk, Pk: pk}, nil
}

// WithRelinKey returns a new context carrying a relinearization key
// received from the counterparty.
func (c *Context) WithRelinKey(data []byte) (*Context, error) {
	rlk := new(bfv.EvaluationKey)
	if err := rlk.UnmarshalBinary(data); err != nil {
		return nil, errors.WithMessage(err, "could not decode relinearization key")
	}
	return &Context{
		protocol:  c.protocol,
		bfvParams: c.bfvParams,
		relinKey:  rlk,
	}, nil
}

// MarshalRelinKey serializes the context's relinearization key for the
// query request.
func (c *Context) MarshalRelinKey() ([]byte, error) {
	if c.relinKey == nil {
		return nil, errors.New("context holds no relinearization key")
	}
	data, err := c.relinKey.MarshalBinary()
	if err != nil {
		return nil, errors.WithMessage(err, "could not encode relinearization key")
	}
	return data, nil
}

// Protocol returns the protocol parameters the context was built from.
func (c *Context) Protocol() *params.Parameters {
	return c.protocol
}

// Params returns the BFV parameter set.
func (c *Context) Params() *bfv.Parameters {
	return c.bfvParams
}

// RelinKey returns the relinearization key, or nil before key generation.
func (c *Context) RelinKey() *bfv.EvaluationKey {
	return c.relinKey
}

// Ready reports whether the context holds a relinearization key.
func (c *Context) Ready() bool {
	return c.relinKey != nil
}

// Slots returns the number of plaintext slots a ciphertext packs.
func (c *Context) Slots() uint64 {
	return uint64(1) << c.protocol.LogN
}
