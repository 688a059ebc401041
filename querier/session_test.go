///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package querier

import (
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/markkurossi/mpc/p2p"
	"github.com/pkg/errors"

	"gitlab.com/mcrg/epsu/internal/state"
	"gitlab.com/mcrg/epsu/network"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/params"
	"gitlab.com/mcrg/epsu/responder"
)

// The bin load is sized so the counterparty's set fits its candidate bins
// comfortably, and the ring is one size up so the deeper powers plan stays
// within the noise budget.
func testParams() *params.Parameters {
	return &params.Parameters{
		TableSize:      64,
		HashFuncCount:  4,
		InsertAttempts: 500,
		MaxBinLoad:     8,
		SourcePowers:   []uint32{1, 2},
		DepthBudget:    3,
		LogN:           13,
		PlainModulus:   65537,
	}
}

// counterparty wires a responder to in-memory pipes and serves one query
// on a background goroutine.
type counterparty struct {
	chl    network.Channel
	otConn *p2p.Conn
	done   chan error
}

func startCounterparty(t *testing.T, p *params.Parameters, items []oprf.Item, partBins uint64) *counterparty {
	t.Helper()

	r, err := responder.New(p, items)
	if err != nil {
		t.Fatalf("responder.New() returned an error: %+v", err)
	}
	if partBins != 0 {
		r.SetPartBins(partBins)
	}

	qNear, qFar := net.Pipe()
	otNear, otFar := net.Pipe()
	t.Cleanup(func() {
		qNear.Close()
		qFar.Close()
		otNear.Close()
		otFar.Close()
	})

	done := make(chan error, 1)
	go func() {
		done <- r.Serve(network.NewStreamChannel(qFar),
			func() (*p2p.Conn, error) {
				return p2p.NewConn(otFar), nil
			})
	}()

	return &counterparty{
		chl:    network.NewStreamChannel(qNear),
		otConn: p2p.NewConn(otNear),
		done:   done,
	}
}

// driveQuery walks a session through the advanced-mode steps against a
// counterparty.
func driveQuery(t *testing.T, s *Session, cp *counterparty, items []oprf.Item, workers int) []MatchRecord {
	t.Helper()

	remote, err := RequestParams(cp.chl)
	if err != nil {
		t.Fatalf("RequestParams() returned an error: %+v", err)
	}
	if err = s.ConfirmParams(remote); err != nil {
		t.Fatalf("ConfirmParams() returned an error: %+v", err)
	}
	if err = s.GenerateKeys(); err != nil {
		t.Fatalf("GenerateKeys() returned an error: %+v", err)
	}
	if err = s.Index(cp.chl, items); err != nil {
		t.Fatalf("Index() returned an error: %+v", err)
	}
	if err = s.SubmitQuery(cp.chl); err != nil {
		t.Fatalf("SubmitQuery() returned an error: %+v", err)
	}
	if err = s.AwaitPartCount(cp.chl); err != nil {
		t.Fatalf("AwaitPartCount() returned an error: %+v", err)
	}
	if err = s.RunShuffle(cp.otConn); err != nil {
		t.Fatalf("RunShuffle() returned an error: %+v", err)
	}
	if err = s.ReceiveResults(cp.chl, workers); err != nil {
		t.Fatalf("ReceiveResults() returned an error: %+v", err)
	}
	if err = <-cp.done; err != nil {
		t.Fatalf("Counterparty failed: %+v", err)
	}

	records, err := s.Records()
	if err != nil {
		t.Fatalf("Records() returned an error: %+v", err)
	}
	return records
}

// Tests a full query round trip: items shared with the counterparty come
// back as matches with their label keys, items it does not hold come back
// as misses.
func TestSession_RoundTrip(t *testing.T) {
	p := testParams()

	shared := []oprf.Item{
		oprf.Item("alpha"), oprf.Item("bravo"), oprf.Item("charlie"),
		oprf.Item("delta"),
	}
	theirExtra := make([]oprf.Item, 20)
	for i := range theirExtra {
		theirExtra[i] = oprf.Item(fmt.Sprintf("their-%03d", i))
	}
	ourExtra := make([]oprf.Item, 6)
	for i := range ourExtra {
		ourExtra[i] = oprf.Item(fmt.Sprintf("ours-%03d", i))
	}

	ourItems := append(append([]oprf.Item{}, shared...), ourExtra...)
	theirItems := append(append([]oprf.Item{}, shared...), theirExtra...)

	cp := startCounterparty(t, p, theirItems, 0)
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}

	records := driveQuery(t, s, cp, ourItems, 2)
	if len(records) != len(ourItems) {
		t.Fatalf("Records() returned %d records for %d items",
			len(records), len(ourItems))
	}

	for i := range shared {
		if !records[i].Found {
			t.Errorf("Shared item %d was not reported as a match", i)
		}
		if len(records[i].Label) == 0 {
			t.Errorf("Matched item %d carries no label key", i)
		}
	}
	for i := len(shared); i < len(records); i++ {
		if records[i].Found {
			t.Errorf("Item %d matched although the counterparty does not "+
				"hold it", i)
		}
	}

	if s.Status() != state.COMPLETE {
		t.Errorf("Session finished in state %s", s.Status())
	}
}

// Tests that many result parts delivered to a pool of workers complete
// the query exactly once, whatever the interleaving.
func TestSession_ConcurrentParts(t *testing.T) {
	p := testParams()

	items := make([]oprf.Item, 10)
	for i := range items {
		items[i] = oprf.Item(fmt.Sprintf("item-%02d", i))
	}

	// 8 bins per part over a table of 64 forces 8 parts
	cp := startCounterparty(t, p, items, 8)
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}

	records := driveQuery(t, s, cp, items, 4)
	for i, rec := range records {
		if !rec.Found {
			t.Errorf("Item %d missing although both parties hold it", i)
		}
	}

	if s.Status() != state.COMPLETE {
		t.Fatalf("Session finished in state %s", s.Status())
	}

	// a straggler part after completion must be rejected, not recounted
	err = s.ProcessResultPart(&network.ResultPart{PartIndex: 99})
	if err == nil {
		t.Errorf("ProcessResultPart() accepted a part after completion")
	}
}

// Tests the session guards that do not need a counterparty.
func TestSession_Guards(t *testing.T) {
	p := testParams()
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}

	// mismatched parameters abort the session
	other := testParams()
	other.TableSize = 128
	if err = s.ConfirmParams(other); err == nil {
		t.Errorf("ConfirmParams() accepted mismatched parameters")
	}
	if s.Status() != state.FAILED {
		t.Errorf("Session is %s after a parameter mismatch", s.Status())
	}

	// recovery path back to idle
	if err = s.Reset(); err != nil {
		t.Fatalf("Reset() returned an error: %+v", err)
	}
	if s.Status() != state.IDLE {
		t.Errorf("Session is %s after a reset", s.Status())
	}

	if _, err = s.Records(); err == nil {
		t.Errorf("Records() returned a partial view")
	}

	if err = s.ConfirmParams(p.Copy()); err != nil {
		t.Fatalf("ConfirmParams() returned an error: %+v", err)
	}
	if err = s.ResetKeys(); err == nil {
		t.Errorf("ResetKeys() ran before any keys existed")
	}
}

// Tests that session failures carry their taxonomy sentinel, so callers
// can tell a parameter mismatch from a counterparty speaking out of turn.
func TestSession_ErrorClassification(t *testing.T) {
	p := testParams()
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}

	other := p.Copy()
	other.TableSize = 128
	if err = s.ConfirmParams(other); !errors.Is(err, params.ErrParameterMismatch) {
		t.Errorf("ConfirmParams() returned %v, expected a parameter mismatch",
			err)
	}

	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()
	chl := network.NewStreamChannel(near)
	remote := network.NewStreamChannel(far)

	// a query response where a parameter response belongs
	go func() {
		remote.ReceiveRequest()
		remote.SendResponse(&network.QueryResponse{PartCount: 1})
	}()
	if _, err = RequestParams(chl); !errors.Is(err, network.ErrProtocolViolation) {
		t.Errorf("RequestParams() returned %v, expected a protocol violation",
			err)
	}

	// an announced part count of zero
	s2, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}
	go func() {
		remote.SendResponse(&network.QueryResponse{PartCount: 0})
	}()
	if err = s2.AwaitPartCount(chl); !errors.Is(err, network.ErrProtocolViolation) {
		t.Errorf("AwaitPartCount() returned %v, expected a protocol violation",
			err)
	}
}

// Tests that a worker pool dying on a bad part does not strand the part
// reader: every goroutine ReceiveResults starts must be gone once it
// returns.
func TestSession_ReceiveResultsReaderExit(t *testing.T) {
	p := testParams()
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}
	if err = s.ConfirmParams(p.Copy()); err != nil {
		t.Fatalf("ConfirmParams() returned an error: %+v", err)
	}
	if err = s.GenerateKeys(); err != nil {
		t.Fatalf("GenerateKeys() returned an error: %+v", err)
	}
	for _, st := range []state.Status{state.INDEXED, state.QUERY_SENT,
		state.RESULTS_PENDING} {
		if ok, err := s.machine.Update(st); !ok || err != nil {
			t.Fatalf("Update(%s) was rejected: %+v", st, err)
		}
	}
	s.query = &activeQuery{
		binMasks: make([]uint64, p.TableSize),
		expected: 3,
		records:  make([]MatchRecord, 1),
	}

	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()
	chl := network.NewStreamChannel(near)
	remote := network.NewStreamChannel(far)

	before := runtime.NumGoroutine()
	go func() {
		for i := 0; i < 3; i++ {
			remote.SendResultPart(&network.ResultPart{
				PartIndex:  uint32(i),
				BinCount:   1,
				Ciphertext: []byte{1, 2, 3},
			})
		}
	}()

	if err = s.ReceiveResults(chl, 1); err == nil {
		t.Fatalf("ReceiveResults() succeeded on undecodable parts")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if g := runtime.NumGoroutine(); g > before {
		t.Errorf("%d goroutines alive after ReceiveResults(), expected %d",
			g, before)
	}
}

// Tests that key regeneration is refused while a query is in flight and
// permitted after completion.
func TestSession_ResetKeys(t *testing.T) {
	p := testParams()

	items := []oprf.Item{oprf.Item("alpha"), oprf.Item("bravo")}
	cp := startCounterparty(t, p, items, 0)
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() returned an error: %+v", err)
	}

	driveQuery(t, s, cp, items, 1)

	if err = s.ResetKeys(); err != nil {
		t.Fatalf("ResetKeys() returned an error after completion: %+v", err)
	}
	if s.Status() != state.KEYS_READY {
		t.Errorf("Session is %s after key regeneration", s.Status())
	}
	if _, err = s.Records(); err == nil {
		t.Errorf("Records() survived key regeneration")
	}
}
