///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package params defines the protocol parameters shared by both parties of
// the unbalanced PSU protocol. Both parties must hold byte-identical
// parameters; the Digest function provides the canonical comparison value.
package params

import (
	"os"
	"sort"

	"github.com/cznic/mathutil"
	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v2"
)

// ErrParameterMismatch reports that the two parties hold diverging
// protocol parameters. It is fatal for the session.
var ErrParameterMismatch = errors.New("protocol parameters do not match")

// DefaultInsertAttempts is the number of random-walk steps used to insert
// items into the cuckoo hash table. Increasing this number can yield better
// packing rates in cuckoo hashing.
const DefaultInsertAttempts = 500

// Parameters is the immutable protocol configuration negotiated before a
// query. A viper (or any yaml based) configuration can be unmarshalled into
// this object.
type Parameters struct {
	// Cuckoo table geometry
	TableSize      uint64 `yaml:"tableSize"`
	HashFuncCount  uint64 `yaml:"hashFuncCount"`
	InsertAttempts uint64 `yaml:"insertAttempts"`

	// Maximum number of sender items assigned to one bin; this is the
	// degree of the matching polynomial.
	MaxBinLoad uint64 `yaml:"maxBinLoad"`

	// Source powers sent encrypted with the query, and the multiplicative
	// depth budget for deriving the remaining powers from them.
	SourcePowers []uint32 `yaml:"sourcePowers"`
	DepthBudget  uint32   `yaml:"depthBudget"`

	// BFV encryption parameters
	LogN         uint64 `yaml:"logN"`
	PlainModulus uint64 `yaml:"plainModulus"`
}

// Load reads a parameter set from a yaml file.
func Load(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read parameter file %s", path)
	}
	p := &Parameters{}
	if err = yaml.Unmarshal(data, p); err != nil {
		return nil, errors.WithMessagef(err, "could not parse parameter file %s", path)
	}
	if p.InsertAttempts == 0 {
		p.InsertAttempts = DefaultInsertAttempts
	}
	if err = p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the internal consistency of the parameter set.
func (p *Parameters) Validate() error {
	if p.TableSize < 2 || p.TableSize&(p.TableSize-1) != 0 {
		return errors.Errorf("table size %d is not a power of two >= 2", p.TableSize)
	}
	if p.HashFuncCount < 2 || p.HashFuncCount > 8 {
		return errors.Errorf("hash function count %d outside [2, 8]", p.HashFuncCount)
	}
	if p.InsertAttempts == 0 {
		return errors.New("insert attempt cap must be nonzero")
	}
	if p.MaxBinLoad == 0 {
		return errors.New("max bin load must be nonzero")
	}
	if len(p.SourcePowers) == 0 {
		return errors.New("at least one source power is required")
	}
	seen := make(map[uint32]bool, len(p.SourcePowers))
	for _, s := range p.SourcePowers {
		if s == 0 || uint64(s) > p.MaxBinLoad {
			return errors.Errorf("source power %d outside [1, %d]", s, p.MaxBinLoad)
		}
		if seen[s] {
			return errors.Errorf("duplicate source power %d", s)
		}
		seen[s] = true
	}
	if !seen[1] {
		return errors.New("source powers must include 1")
	}
	if p.LogN < 12 || p.LogN > 15 {
		return errors.Errorf("logN %d outside [12, 15]", p.LogN)
	}
	// Modular products are computed in uint64, so the modulus must fit
	// 32 bits to leave room for the product.
	if p.PlainModulus >= 1<<32 {
		return errors.Errorf("plaintext modulus %d does not fit 32 bits", p.PlainModulus)
	}
	if p.PlainModulus < p.TableSize || !mathutil.IsPrime(uint32(p.PlainModulus)) {
		return errors.Errorf("plaintext modulus %d must be a prime >= table size", p.PlainModulus)
	}
	return nil
}

// Digest returns the blake2b digest of the canonical encoding of the
// parameter set. Two parties hold identical parameters iff their digests
// are equal.
func (p *Parameters) Digest() [32]byte {
	c := p.normalized()
	data, err := yaml.Marshal(c)
	if err != nil {
		// Parameters contain only plain scalars and slices; yaml
		// marshalling cannot fail on them.
		panic(err)
	}
	return blake2b.Sum256(data)
}

// Equal reports whether both parameter sets have the same canonical
// encoding.
func (p *Parameters) Equal(o *Parameters) bool {
	if o == nil {
		return false
	}
	return p.Digest() == o.Digest()
}

// Copy returns a deep copy of the parameter set.
func (p *Parameters) Copy() *Parameters {
	c := &Parameters{}
	if err := copier.Copy(c, p); err != nil {
		panic(err)
	}
	return c
}

// normalized returns a copy with the source powers sorted, so digests do
// not depend on declaration order.
func (p *Parameters) normalized() *Parameters {
	c := p.Copy()
	sort.Slice(c.SourcePowers, func(i, j int) bool {
		return c.SourcePowers[i] < c.SourcePowers[j]
	})
	return c
}

// LogTableSize returns log2 of the table size. Only meaningful after
// Validate has passed.
func (p *Parameters) LogTableSize() int {
	return mathutil.Log2Uint64(p.TableSize)
}
