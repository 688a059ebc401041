///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package responder implements the counterparty of the query exchange: it
// answers parameter and OPRF requests, evaluates incoming queries against
// its own set with the matching engine, masks the match vector through the
// oblivious shuffle, and streams the result parts back.
package responder

import (
	crand "crypto/rand"
	"encoding/hex"

	"github.com/ldsec/lattigo/bfv"
	"github.com/markkurossi/mpc/ot"
	"github.com/markkurossi/mpc/p2p"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/mcrg/epsu/crypto"
	"gitlab.com/mcrg/epsu/cuckoo"
	"gitlab.com/mcrg/epsu/matching"
	"gitlab.com/mcrg/epsu/network"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/params"
	"gitlab.com/mcrg/epsu/powers"
	"gitlab.com/mcrg/epsu/shuffle"
	"gitlab.com/mcrg/epsu/storage"
)

// Responder holds the counterparty's set and parameters for one session.
type Responder struct {
	params    *params.Parameters
	evaluator *oprf.Evaluator
	items     []oprf.Item

	// bins the query's bin ranges per result part; zero means one part
	partBins uint64

	// optional pre-shuffle match matrix sink; nil by default
	audit storage.Store
}

// New builds a responder over its item set with a fresh OPRF key.
func New(p *params.Parameters, items []oprf.Item) (*Responder, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid protocol parameters")
	}
	var key [32]byte
	if _, err := crand.Read(key[:]); err != nil {
		return nil, errors.WithMessage(err, "OPRF key sampling")
	}
	return &Responder{
		params:    p.Copy(),
		evaluator: oprf.NewEvaluator(key),
		items:     items,
	}, nil
}

// SetPartBins overrides how many bins one result part covers. Smaller
// values produce more parts.
func (r *Responder) SetPartBins(n uint64) {
	r.partBins = n
}

// SetAuditStore enables writing the pre-shuffle match matrix to durable
// storage. Debugging only; leaks which blocks obfuscate which bins to
// whoever reads the store.
func (r *Responder) SetAuditStore(s storage.Store) {
	r.audit = s
}

// Serve answers requests on the channel until one full query has been
// served or the channel fails. acceptOT is invoked once per query, after
// the part count announcement, to produce the dedicated shuffle
// connection; the query party only dials that socket once it has the
// announcement.
func (r *Responder) Serve(chl network.Channel, acceptOT func() (*p2p.Conn, error)) error {
	for {
		req, err := chl.ReceiveRequest()
		if err != nil {
			return err
		}

		switch q := req.(type) {
		case *network.ParamsRequest:
			if err = chl.SendResponse(&network.ParamsResponse{Params: r.params}); err != nil {
				return err
			}
		case *network.OPRFRequest:
			if err = chl.SendResponse(r.evaluator.Respond(q)); err != nil {
				return err
			}
		case *network.QueryRequest:
			return r.serveQuery(q, chl, acceptOT)
		default:
			return errors.Errorf("unsupported request kind %T", req)
		}
	}
}

// serveQuery evaluates one query and streams back the shuffle and the
// result parts.
func (r *Responder) serveQuery(q *network.QueryRequest, chl network.Channel, acceptOT func() (*p2p.Conn, error)) error {
	ctx, err := crypto.NewContext(r.params)
	if err != nil {
		return err
	}
	ctx, err = ctx.WithRelinKey(q.RelinKey)
	if err != nil {
		return err
	}

	queryPowers, err := decodePowers(q, ctx)
	if err != nil {
		return err
	}

	sourceList := make([]uint32, 0, len(q.Powers))
	for s := range q.Powers {
		sourceList = append(sourceList, s)
	}
	plan, err := powers.Configure(sourceList, uint32(r.params.MaxBinLoad), r.params.DepthBudget)
	if err != nil {
		return err
	}

	bins, err := r.assignBins()
	if err != nil {
		return err
	}

	partBins := r.partBins
	if partBins == 0 {
		partBins = r.params.TableSize
	}
	mv, err := matching.Evaluate(queryPowers, plan, ctx, bins, partBins)
	if err != nil {
		return err
	}

	if err = chl.SendResponse(&network.QueryResponse{
		PartCount: uint32(len(mv.Parts)),
	}); err != nil {
		return err
	}

	// Mask blocks carry the per-bin obfuscation values through the
	// oblivious shuffle on the dedicated socket.
	blocks := make([]shuffle.Block, len(mv.Masks))
	for b, mask := range mv.Masks {
		if blocks[b], err = shuffle.MaskBlock(mask); err != nil {
			return err
		}
	}
	r.auditMatrix(blocks)

	otConn, err := acceptOT()
	if err != nil {
		return err
	}
	if err = shuffle.Mask(otConn, blocks); err != nil {
		return err
	}

	for i, part := range mv.Parts {
		data, err := part.MarshalBinary()
		if err != nil {
			return errors.WithMessage(err, "could not encode result part")
		}
		lo := uint64(i) * partBins
		count := partBins
		if lo+count > r.params.TableSize {
			count = r.params.TableSize - lo
		}
		if err = chl.SendResultPart(&network.ResultPart{
			PartIndex:  uint32(i),
			BinStart:   lo,
			BinCount:   count,
			Ciphertext: data,
		}); err != nil {
			return err
		}
	}

	jww.INFO.Printf("Served query: %d bins, %d result parts",
		r.params.TableSize, len(mv.Parts))
	return nil
}

// assignBins hashes the responder's set and assigns every item's encoded
// value to each of its candidate bins, the mirror image of the query
// side's cuckoo placement.
func (r *Responder) assignBins() ([][]uint64, error) {
	hasher := cuckoo.NewHasher(r.params)
	t := r.params.PlainModulus

	bins := make([][]uint64, r.params.TableSize)
	for _, item := range r.items {
		hashed, _ := r.evaluator.EvaluateItem(item)
		value := matching.EncodeItem(hashed, t)
		for _, b := range hasher.CandidateBins(hashed) {
			if contains(bins[b], value) {
				continue
			}
			if uint64(len(bins[b])) >= r.params.MaxBinLoad {
				return nil, errors.Errorf("bin %d overflows the maximum "+
					"load %d; raise maxBinLoad or the table size", b,
					r.params.MaxBinLoad)
			}
			bins[b] = append(bins[b], value)
		}
	}
	return bins, nil
}

// auditMatrix forwards the pre-shuffle matrix to the audit store without
// blocking the protocol.
func (r *Responder) auditMatrix(blocks []shuffle.Block) {
	if r.audit == nil {
		return
	}

	var id [8]byte
	if _, err := crand.Read(id[:]); err != nil {
		jww.WARN.Printf("Audit matrix dropped: %+v", err)
		return
	}
	queryID := hex.EncodeToString(id[:])

	rows := make([]*storage.MatrixRow, len(blocks))
	for i := range blocks {
		var data ot.LabelData
		blocks[i].GetData(&data)
		rows[i] = &storage.MatrixRow{
			QueryID:  queryID,
			BinIndex: uint64(i),
			Block:    append([]byte{}, data[:]...),
		}
	}

	go func() {
		for _, row := range rows {
			if err := r.audit.SaveMatrixRow(row); err != nil {
				jww.WARN.Printf("Audit matrix write failed: %+v", err)
				return
			}
		}
		jww.DEBUG.Printf("Audit matrix %s stored (%d rows)", queryID, len(rows))
	}()
}

// decodePowers deserializes the encrypted source powers of the query.
func decodePowers(q *network.QueryRequest, ctx *crypto.Context) (*matching.QueryPowers, error) {
	source := make(map[uint32]*bfv.Ciphertext, len(q.Powers))
	for power, data := range q.Powers {
		ct := bfv.NewCiphertext(ctx.Params(), 1)
		if err := ct.UnmarshalBinary(data); err != nil {
			return nil, errors.WithMessagef(err, "could not decode source power %d", power)
		}
		source[power] = ct
	}
	return &matching.QueryPowers{Source: source}, nil
}

func contains(values []uint64, v uint64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
