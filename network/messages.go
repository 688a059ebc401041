///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package network defines the request/response surface between the query
// party and its counterparty, and the channel abstractions the protocol
// runs over. The simple API uses the managed NetworkChannel; the advanced
// API drives a StreamChannel over any io.ReadWriter one step at a time.
package network

import (
	"gitlab.com/mcrg/epsu/params"
)

// Request is one protocol request sent by the query party.
type Request interface {
	requestKind() string
}

// Response is the counterparty's answer to one Request.
type Response interface {
	responseKind() string
}

// ParamsRequest asks the counterparty for its protocol parameters.
type ParamsRequest struct{}

// OPRFRequest carries the one-way digests of the query items for OPRF
// evaluation. Raw items never cross the wire.
type OPRFRequest struct {
	Digests [][]byte
}

// QueryRequest carries the encrypted query: the relinearization key the
// matching engine needs and one ciphertext per source power, slot-packed
// per cuckoo bin.
type QueryRequest struct {
	RelinKey []byte
	// source power -> serialized ciphertext
	Powers map[uint32][]byte
}

// ParamsResponse returns the counterparty's parameter set.
type ParamsResponse struct {
	Params *params.Parameters
}

// OPRFResponse returns one evaluated OPRF output per requested digest, in
// request order.
type OPRFResponse struct {
	Evaluated [][]byte
}

// QueryResponse announces how many ResultParts the query party should
// expect to receive.
type QueryResponse struct {
	PartCount uint32
}

// ResultPart is one unit of the query's result stream. Each part holds the
// encrypted match values for a contiguous bin range. Parts may arrive in
// any order.
type ResultPart struct {
	PartIndex  uint32
	BinStart   uint64
	BinCount   uint64
	Ciphertext []byte
}

func (ParamsRequest) requestKind() string { return "params" }
func (OPRFRequest) requestKind() string   { return "oprf" }
func (QueryRequest) requestKind() string  { return "query" }

func (ParamsResponse) responseKind() string { return "params" }
func (OPRFResponse) responseKind() string   { return "oprf" }
func (QueryResponse) responseKind() string  { return "query" }

// ToParamsResponse converts a received response to a ParamsResponse,
// returning nil if the response is of the wrong kind. A wrong-kind
// response is "no parameters received", never valid empty parameters.
func ToParamsResponse(r Response) *ParamsResponse {
	if pr, ok := r.(*ParamsResponse); ok {
		return pr
	}
	return nil
}

// ToOPRFResponse converts a received response to an OPRFResponse, returning
// nil if the response is of the wrong kind.
func ToOPRFResponse(r Response) *OPRFResponse {
	if or, ok := r.(*OPRFResponse); ok {
		return or
	}
	return nil
}

// ToQueryResponse converts a received response to a QueryResponse,
// returning nil if the response is of the wrong kind.
func ToQueryResponse(r Response) *QueryResponse {
	if qr, ok := r.(*QueryResponse); ok {
		return qr
	}
	return nil
}
