///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package querier

import (
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/mcrg/epsu/network"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/shuffle"
)

// RequestQuery drives a full query against a counterparty in simple mode.
// It dials the managed query channel and the dedicated OT socket itself
// and runs every protocol step in order, returning the decoded match
// records. Callers needing their own transport drive the step methods
// directly over any Channel instead.
func (s *Session) RequestQuery(queryAddress, otAddress string, items []oprf.Item, workers int) ([]MatchRecord, error) {
	chl, err := network.Dial(queryAddress)
	if err != nil {
		return nil, s.fail(err)
	}
	defer func() {
		if err := chl.Close(); err != nil {
			jww.WARN.Printf("Query channel close failed: %+v", err)
		}
	}()

	remote, err := RequestParams(chl)
	if err != nil {
		return nil, s.fail(err)
	}
	if err = s.ConfirmParams(remote); err != nil {
		return nil, err
	}
	if err = s.GenerateKeys(); err != nil {
		return nil, err
	}
	if err = s.Index(chl, items); err != nil {
		return nil, err
	}
	if err = s.SubmitQuery(chl); err != nil {
		return nil, err
	}
	if err = s.AwaitPartCount(chl); err != nil {
		return nil, err
	}

	otConn, sock, err := shuffle.Dial(otAddress)
	if err != nil {
		return nil, s.fail(err)
	}
	defer func() {
		if err := sock.Close(); err != nil {
			jww.WARN.Printf("OT socket close failed: %+v", err)
		}
	}()

	if err = s.RunShuffle(otConn); err != nil {
		return nil, err
	}
	if err = s.ReceiveResults(chl, workers); err != nil {
		return nil, err
	}
	return s.Records()
}
