///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package params

import (
	"os"
	"path/filepath"
	"testing"
)

func validParams() *Parameters {
	return &Parameters{
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

// Tests that a well formed parameter set validates.
func TestValidate_Valid(t *testing.T) {
	if err := validParams().Validate(); err != nil {
		t.Errorf("Validate() returned an error on valid parameters: %+v", err)
	}
}

// Tests that each malformed field is rejected.
func TestValidate_Invalid(t *testing.T) {
	cases := map[string]func(*Parameters){
		"non power of two table": func(p *Parameters) { p.TableSize = 63 },
		"too few hash functions": func(p *Parameters) { p.HashFuncCount = 1 },
		"source power above max": func(p *Parameters) {
			p.SourcePowers = []uint32{1, 5}
		},
		"missing source power one": func(p *Parameters) {
			p.SourcePowers = []uint32{2, 3}
		},
		"ring degree too small":  func(p *Parameters) { p.LogN = 10 },
		"composite plain modulus": func(p *Parameters) { p.PlainModulus = 65536 },
		// composite whose low 32 bits are prime; must not slip through a
		// truncated primality check
		"oversized plain modulus": func(p *Parameters) {
			p.PlainModulus = 1<<32 + 65537
		},
	}

	for name, mutate := range cases {
		p := validParams()
		mutate(p)
		if err := p.Validate(); err == nil {
			t.Errorf("Validate() accepted parameters with %s", name)
		}
	}
}

// Tests that the digest is stable for equal parameters and differs when
// any field changes.
func TestDigest(t *testing.T) {
	a := validParams()
	b := validParams()
	if a.Digest() != b.Digest() {
		t.Errorf("Digest() differs for identical parameters")
	}
	if !a.Equal(b) {
		t.Errorf("Equal() returned false for identical parameters")
	}

	b.TableSize = 128
	if a.Digest() == b.Digest() {
		t.Errorf("Digest() identical for differing parameters")
	}
	if a.Equal(b) {
		t.Errorf("Equal() returned true for differing parameters")
	}
}

// Tests that Copy produces an independent object.
func TestCopy(t *testing.T) {
	a := validParams()
	b := a.Copy()
	b.SourcePowers[0] = 99
	if a.SourcePowers[0] == 99 {
		t.Errorf("Copy() shares the source power slice with the original")
	}
}

// Tests loading a parameter file from disk, including the attempt cap
// default.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.yaml")
	contents := "tableSize: 64\n" +
		"hashFuncCount: 4\n" +
		"maxBinLoad: 4\n" +
		"sourcePowers: [1, 2]\n" +
		"depthBudget: 2\n" +
		"logN: 12\n" +
		"plainModulus: 65537\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("Could not write parameter file: %+v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned an error: %+v", err)
	}
	if p.InsertAttempts != DefaultInsertAttempts {
		t.Errorf("Load() did not default the attempt cap: got %d, "+
			"expected %d", p.InsertAttempts, DefaultInsertAttempts)
	}
	if !p.Equal(validParams()) {
		t.Errorf("Load() returned unexpected parameters: %+v", p)
	}
}
