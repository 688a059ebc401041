///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package querier implements the query side of the protocol as an explicit
// session object. A Session owns the crypto context, the cached powers
// plan, and the per-query translation table, and drives the exchange
// through a guarded state machine. The name is role based: this party
// constructs the parameter, OPRF and query requests and decodes the
// shuffled results.
package querier

import (
	"sync"
	"sync/atomic"

	"github.com/ldsec/lattigo/bfv"
	"github.com/markkurossi/mpc/p2p"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/mcrg/epsu/crypto"
	"gitlab.com/mcrg/epsu/cuckoo"
	"gitlab.com/mcrg/epsu/internal/state"
	"gitlab.com/mcrg/epsu/matching"
	"gitlab.com/mcrg/epsu/network"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/params"
	"gitlab.com/mcrg/epsu/powers"
	"gitlab.com/mcrg/epsu/shuffle"
)

// MatchRecord is the decoded outcome for one original input position.
// Label is only populated when Found is set.
type MatchRecord struct {
	Found bool
	Label []byte
}

// activeQuery holds everything scoped to one submitted query. The
// translation table, label keys and masks are published before any result
// part is processed and never written afterwards, so workers read them
// without locking. The received counter is the only shared mutable field.
type activeQuery struct {
	itt       *cuckoo.IndexTranslationTable
	table     *cuckoo.Table
	labelKeys []oprf.LabelKey
	itemCount int

	// binMasks[b] is the obfuscation value the counterparty applied to
	// bin b, recovered by inverting the shuffle permutation.
	binMasks []uint64

	expected uint32
	received uint32

	recordMux sync.Mutex
	records   []MatchRecord
}

// Session is the query party's protocol orchestrator for one counterparty.
type Session struct {
	machine state.Machine

	// mux serializes session mutations (key generation, indexing, query
	// construction) against each other. Result-part processing does not
	// take it.
	mux sync.Mutex

	params *params.Parameters
	ctx    *crypto.Context
	keys   *crypto.Keys
	plan   *powers.Dag

	query *activeQuery
}

// NewSession builds an idle session over the local protocol parameters.
func NewSession(p *params.Parameters) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid protocol parameters")
	}
	return &Session{
		machine: state.NewMachine(),
		params:  p.Copy(),
	}, nil
}

// RequestParams fetches the counterparty's protocol parameters. A response
// of the wrong kind counts as no parameters received.
func RequestParams(chl network.Channel) (*params.Parameters, error) {
	if err := chl.Send(&network.ParamsRequest{}); err != nil {
		return nil, err
	}
	resp, err := chl.ReceiveResponse()
	if err != nil {
		return nil, err
	}
	pr := network.ToParamsResponse(resp)
	if pr == nil || pr.Params == nil {
		return nil, errors.WithMessagef(network.ErrProtocolViolation,
			"expected a parameter response, got %T", resp)
	}
	return pr.Params, nil
}

// ConfirmParams checks the counterparty's parameters against the local
// ones. Any divergence aborts the session.
func (s *Session) ConfirmParams(remote *params.Parameters) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if remote == nil || !s.params.Equal(remote) {
		err := errors.WithMessagef(params.ErrParameterMismatch,
			"local parameter digest %x does not match the counterparty's",
			s.params.Digest())
		return s.fail(err)
	}
	return s.advance(state.PARAMS_EXCHANGED)
}

// GenerateKeys creates the session's encryption keys and the powers plan.
// The plan only depends on the parameters, so it is cached here and reused
// by every query of the session.
func (s *Session) GenerateKeys() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	ctx, err := crypto.NewContext(s.params)
	if err != nil {
		return s.fail(err)
	}
	s.ctx, s.keys, err = ctx.GenerateKeys()
	if err != nil {
		return s.fail(err)
	}

	if s.plan == nil {
		s.plan, err = powers.Configure(s.params.SourcePowers,
			uint32(s.params.MaxBinLoad), s.params.DepthBudget)
		if err != nil {
			return s.fail(err)
		}
	}
	return s.advance(state.KEYS_READY)
}

// ResetKeys regenerates the session keys after a completed query. It is
// session serializing: it refuses while a query is in flight, so no query
// built against the old context can outlive it.
func (s *Session) ResetKeys() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	switch s.machine.Get() {
	case state.COMPLETE, state.KEYS_READY:
	default:
		return errors.Errorf("cannot regenerate keys in state %s; a query "+
			"is in flight", s.machine.Get())
	}

	ctx, err := crypto.NewContext(s.params)
	if err != nil {
		return s.fail(err)
	}
	s.ctx, s.keys, err = ctx.GenerateKeys()
	if err != nil {
		return s.fail(err)
	}
	s.query = nil
	if s.machine.Get() == state.COMPLETE {
		return s.advance(state.KEYS_READY)
	}
	return nil
}

// Index OPRF-hashes the items over the channel and places the hashes into
// the cuckoo table, recording the translation table for the query about
// to be built. A capacity failure is fatal for the query and names the
// positions that could not be placed.
func (s *Session) Index(chl network.Channel, items []oprf.Item) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	receiver, err := oprf.NewReceiver(items)
	if err != nil {
		return s.fail(err)
	}
	if err = chl.Send(receiver.CreateRequest()); err != nil {
		return s.fail(err)
	}
	resp, err := chl.ReceiveResponse()
	if err != nil {
		return s.fail(err)
	}
	or := network.ToOPRFResponse(resp)
	if or == nil {
		return s.fail(errors.WithMessagef(network.ErrProtocolViolation,
			"expected an OPRF response, got %T", resp))
	}
	hashed, labelKeys, err := oprf.ExtractHashes(or, receiver)
	if err != nil {
		return s.fail(err)
	}

	table, itt, err := cuckoo.Index(hashed, s.params)
	if err != nil {
		return s.fail(err)
	}

	s.query = &activeQuery{
		itt:       itt,
		table:     table,
		labelKeys: labelKeys,
		itemCount: len(items),
		records:   make([]MatchRecord, len(items)),
	}
	return s.advance(state.INDEXED)
}

// SubmitQuery encrypts the indexed table into source-power ciphertexts and
// sends the query request.
func (s *Session) SubmitQuery(chl network.Channel) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	req, err := s.createQuery()
	if err != nil {
		return s.fail(err)
	}
	if err = chl.Send(req); err != nil {
		return s.fail(err)
	}
	return s.advance(state.QUERY_SENT)
}

// createQuery slot-packs every source power of the plan across all bins
// and encrypts each vector once. Bin b of the vector for power p holds
// enc(x_b)^p where x_b is the encoded item placed in bin b; empty bins
// carry the padding sentinel and are never consulted during decoding.
func (s *Session) createQuery() (*network.QueryRequest, error) {
	if s.query == nil {
		return nil, errors.New("no indexed items to query")
	}
	t := s.ctx.Params().T
	sentinel := t - 1

	base := make([]uint64, s.params.TableSize)
	for b := uint64(0); b < s.params.TableSize; b++ {
		if item, ok := s.query.table.Bin(b); ok {
			base[b] = matching.EncodeItem(item, t)
		} else {
			base[b] = sentinel
		}
	}

	encoder := bfv.NewEncoder(s.ctx.Params())
	encryptor := bfv.NewEncryptorFromPk(s.ctx.Params(), s.keys.Pk)

	encrypted := make(map[uint32][]byte, len(s.plan.SourcePowers()))
	slots := make([]uint64, s.ctx.Slots())
	for _, power := range s.plan.SourcePowers() {
		for b, x := range base {
			slots[b] = powMod(x, power, t)
		}
		for b := len(base); b < len(slots); b++ {
			slots[b] = 0
		}
		pt := bfv.NewPlaintext(s.ctx.Params())
		encoder.EncodeUint(slots, pt)
		data, err := encryptor.EncryptNew(pt).MarshalBinary()
		if err != nil {
			return nil, errors.WithMessagef(err,
				"could not encode source power %d", power)
		}
		encrypted[power] = data
	}

	rlk, err := s.ctx.MarshalRelinKey()
	if err != nil {
		return nil, err
	}
	return &network.QueryRequest{RelinKey: rlk, Powers: encrypted}, nil
}

// AwaitPartCount receives the counterparty's announcement of how many
// result parts the query produced.
func (s *Session) AwaitPartCount(chl network.Channel) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	resp, err := chl.ReceiveResponse()
	if err != nil {
		return s.fail(err)
	}
	qr := network.ToQueryResponse(resp)
	if qr == nil {
		return s.fail(errors.WithMessagef(network.ErrProtocolViolation,
			"expected a query response, got %T", resp))
	}
	if qr.PartCount == 0 {
		return s.fail(errors.WithMessage(network.ErrProtocolViolation,
			"counterparty announced zero result parts"))
	}
	s.query.expected = qr.PartCount
	return s.advance(state.RESULTS_PENDING)
}

// RunShuffle plays the permuter role of the oblivious shuffle on the
// dedicated OT socket and inverts the sampled permutation to recover the
// per-bin obfuscation masks. Must complete before any result part is
// decoded.
func (s *Session) RunShuffle(otConn *p2p.Conn) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.query == nil {
		return s.fail(errors.New("no query in flight"))
	}
	permuted, perm, err := shuffle.Permute(otConn, int(s.params.TableSize))
	if err != nil {
		return s.fail(err)
	}

	masks := make([]uint64, s.params.TableSize)
	for i, block := range permuted {
		masks[perm[i]] = shuffle.MaskValue(block)
	}
	s.query.binMasks = masks
	return nil
}

// ProcessResultPart decrypts one result part and decodes every bin it
// covers through the translation table. Safe for concurrent use by
// multiple workers; the worker whose part satisfies the expected count
// performs the single transition to the completed state.
func (s *Session) ProcessResultPart(part *network.ResultPart) error {
	q := s.query
	if q == nil || q.binMasks == nil {
		return errors.New("result part received before the shuffle finished")
	}
	if s.machine.Get() != state.RESULTS_PENDING {
		return errors.Errorf("result part received in state %s", s.machine.Get())
	}

	ct := bfv.NewCiphertext(s.ctx.Params(), 1)
	if err := ct.UnmarshalBinary(part.Ciphertext); err != nil {
		return errors.WithMessagef(err, "could not decode result part %d",
			part.PartIndex)
	}

	// Decryptor and encoder are not safe for sharing, each worker builds
	// its own.
	decryptor := bfv.NewDecryptor(s.ctx.Params(), s.keys.Sk)
	encoder := bfv.NewEncoder(s.ctx.Params())
	slots := encoder.DecodeUint(decryptor.DecryptNew(ct))

	hi := part.BinStart + part.BinCount
	if hi > uint64(len(slots)) || hi > uint64(len(q.binMasks)) {
		return errors.Errorf("result part %d covers bins [%d, %d) beyond "+
			"the table", part.PartIndex, part.BinStart, hi)
	}

	records := make(map[int]MatchRecord)
	for b := part.BinStart; b < hi; b++ {
		pos, ok := q.itt.BinToPosition(b)
		if !ok {
			continue
		}
		rec := MatchRecord{Found: slots[b] == q.binMasks[b]}
		if rec.Found {
			key := q.labelKeys[pos]
			rec.Label = append([]byte{}, key[:]...)
		}
		records[pos] = rec
	}

	q.recordMux.Lock()
	for pos, rec := range records {
		q.records[pos] = rec
	}
	q.recordMux.Unlock()

	// The counter alone decides completion, whichever worker lands the
	// final part takes the transition.
	n := atomic.AddUint32(&q.received, 1)
	if n > q.expected {
		return errors.WithMessagef(network.ErrProtocolViolation,
			"received %d result parts, expected %d", n, q.expected)
	}
	if n < q.expected {
		_, err := s.machine.Update(state.RESULTS_PENDING)
		return err
	}
	if n == q.expected {
		if err := s.advance(state.COMPLETE); err != nil {
			return err
		}
		jww.INFO.Printf("Query complete: %d parts, %d items", n, q.itemCount)
	}
	return nil
}

// ReceiveResults pulls every announced result part from the channel and
// processes them on a pool of workers. Parts may arrive in any order.
func (s *Session) ReceiveResults(chl network.Channel, workers int) error {
	if s.query == nil {
		return errors.New("no query in flight")
	}
	if workers < 1 {
		workers = 1
	}

	parts := make(chan *network.ResultPart, workers)
	errs := make(chan error, workers+1)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range parts {
				if err := s.ProcessResultPart(part); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	go func() {
		defer close(parts)
		for i := uint32(0); i < s.query.expected; i++ {
			part, err := chl.ReceiveResultPart()
			if err != nil {
				errs <- err
				return
			}
			parts <- part
		}
	}()

	wg.Wait()
	// If the workers died early the reader may still be blocked handing
	// over a part; drain until it closes the channel so it never outlives
	// this call.
	for range parts {
	}
	select {
	case err := <-errs:
		return s.fail(err)
	default:
	}
	if s.machine.Get() != state.COMPLETE {
		return s.fail(errors.Errorf("all parts consumed but query is %s",
			s.machine.Get()))
	}
	return nil
}

// Records returns the decoded match records in original item order. It
// refuses to return a partial view.
func (s *Session) Records() ([]MatchRecord, error) {
	if s.machine.Get() != state.COMPLETE {
		return nil, errors.Errorf("query is %s, records are not complete",
			s.machine.Get())
	}
	q := s.query
	out := make([]MatchRecord, len(q.records))
	q.recordMux.Lock()
	copy(out, q.records)
	q.recordMux.Unlock()
	return out, nil
}

// Status exposes the session's current protocol state.
func (s *Session) Status() state.Status {
	return s.machine.Get()
}

// Reset recovers the session to idle after a completed query or a hard
// failure, dropping any partially initialized query state.
func (s *Session) Reset() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.query = nil
	switch s.machine.Get() {
	case state.COMPLETE, state.FAILED, state.IDLE:
		if s.machine.Get() == state.IDLE {
			return nil
		}
		return s.advance(state.IDLE)
	default:
		if err := s.advance(state.FAILED); err != nil {
			return err
		}
		return s.advance(state.IDLE)
	}
}

// fail moves the machine to the failed state and passes the cause through.
func (s *Session) fail(cause error) error {
	if ok, err := s.machine.Update(state.FAILED); !ok || err != nil {
		jww.ERROR.Printf("Could not record failure in state %s: %+v",
			s.machine.Get(), err)
	}
	return cause
}

func (s *Session) advance(next state.Status) error {
	ok, err := s.machine.Update(next)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("transition to %s rejected from %s", next,
			s.machine.Get())
	}
	return nil
}

func powMod(x uint64, e uint32, t uint64) uint64 {
	r := uint64(1) % t
	x %= t
	for e > 0 {
		if e&1 == 1 {
			r = r * x % t
		}
		x = x * x % t
		e >>= 1
	}
	return r
}
