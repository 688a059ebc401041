///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package network

import (
	"encoding/gob"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrTransport wraps every channel send/receive failure so callers can
// distinguish transport loss from protocol violations.
var ErrTransport = errors.New("transport failure")

// ErrProtocolViolation wraps every failure where the counterparty spoke
// out of turn: a response of an unexpected kind or shape, or result-part
// accounting that disagrees with the announced count.
var ErrProtocolViolation = errors.New("protocol violation")

// Channel is the bidirectional message surface of the protocol. Both the
// query party and the counterparty drive their side of the exchange
// through it.
type Channel interface {
	Send(req Request) error
	ReceiveRequest() (Request, error)
	SendResponse(resp Response) error
	ReceiveResponse() (Response, error)
	SendResultPart(rp *ResultPart) error
	ReceiveResultPart() (*ResultPart, error)
}

// envelope is the framed wire unit. Exactly one of the fields is set.
type envelope struct {
	Req  Request
	Resp Response
	Part *ResultPart
}

func init() {
	gob.Register(&ParamsRequest{})
	gob.Register(&OPRFRequest{})
	gob.Register(&QueryRequest{})
	gob.Register(&ParamsResponse{})
	gob.Register(&OPRFResponse{})
	gob.Register(&QueryResponse{})
}

// StreamChannel runs the protocol over any io.ReadWriter. This is the
// advanced-mode channel: the caller owns the transport's lifetime and must
// drive each protocol step manually.
// Multiple result-processing workers may receive concurrently; the encoder
// and decoder are each guarded by their own lock so sends never wait on a
// blocked receive.
type StreamChannel struct {
	sendMux sync.Mutex
	recvMux sync.Mutex
	enc     *gob.Encoder
	dec     *gob.Decoder
}

// NewStreamChannel wraps an open bidirectional stream.
func NewStreamChannel(rw io.ReadWriter) *StreamChannel {
	return &StreamChannel{
		enc: gob.NewEncoder(rw),
		dec: gob.NewDecoder(rw),
	}
}

func (c *StreamChannel) send(env *envelope) error {
	c.sendMux.Lock()
	defer c.sendMux.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return errors.WithMessagef(ErrTransport, "send: %+v", err)
	}
	return nil
}

func (c *StreamChannel) receive() (*envelope, error) {
	c.recvMux.Lock()
	defer c.recvMux.Unlock()
	env := &envelope{}
	if err := c.dec.Decode(env); err != nil {
		return nil, errors.WithMessagef(ErrTransport, "receive: %+v", err)
	}
	return env, nil
}

// Send transmits one request.
func (c *StreamChannel) Send(req Request) error {
	return c.send(&envelope{Req: req})
}

// ReceiveRequest blocks until a request arrives.
func (c *StreamChannel) ReceiveRequest() (Request, error) {
	env, err := c.receive()
	if err != nil {
		return nil, err
	}
	if env.Req == nil {
		return nil, errors.New("received message is not a request")
	}
	return env.Req, nil
}

// SendResponse transmits one response.
func (c *StreamChannel) SendResponse(resp Response) error {
	return c.send(&envelope{Resp: resp})
}

// ReceiveResponse blocks until a response arrives.
func (c *StreamChannel) ReceiveResponse() (Response, error) {
	env, err := c.receive()
	if err != nil {
		return nil, err
	}
	if env.Resp == nil {
		return nil, errors.New("received message is not a response")
	}
	return env.Resp, nil
}

// SendResultPart transmits one result part.
func (c *StreamChannel) SendResultPart(rp *ResultPart) error {
	return c.send(&envelope{Part: rp})
}

// ReceiveResultPart blocks until a result part arrives.
func (c *StreamChannel) ReceiveResultPart() (*ResultPart, error) {
	env, err := c.receive()
	if err != nil {
		return nil, err
	}
	if env.Part == nil {
		return nil, errors.New("received message is not a result part")
	}
	return env.Part, nil
}

// NetworkChannel is the managed simple-mode channel: it owns a TCP
// connection and closes it with the channel.
type NetworkChannel struct {
	*StreamChannel
	conn net.Conn
}

// Dial connects to a listening counterparty.
func Dial(address string) (*NetworkChannel, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, errors.WithMessagef(ErrTransport, "dial %s: %+v", address, err)
	}
	jww.INFO.Printf("Connected to counterparty at %s", address)
	return &NetworkChannel{
		StreamChannel: NewStreamChannel(conn),
		conn:          conn,
	}, nil
}

// Accept waits for one inbound connection on the listener.
func Accept(l net.Listener) (*NetworkChannel, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, errors.WithMessagef(ErrTransport, "accept: %+v", err)
	}
	jww.INFO.Printf("Accepted counterparty connection from %s",
		conn.RemoteAddr())
	return &NetworkChannel{
		StreamChannel: NewStreamChannel(conn),
		conn:          conn,
	}, nil
}

// Close tears the connection down.
func (c *NetworkChannel) Close() error {
	return c.conn.Close()
}
