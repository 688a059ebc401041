///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Package shuffle runs the oblivious permutation of the match-vector
// blocks over a dedicated OT socket. The two parties evaluate a Benes
// switching network: the masking party feeds its blocks in blinded by
// random per-wire masks, and the permuting party programs every 2x2
// switch of the network through a base-OT bootstrapped IKNP OT extension,
// one transfer per switch carrying the wire corrections for the straight
// and the crossed setting. The permuting party alone knows the sampled
// permutation; the masking party never sees the network's output order
// and cannot relate it to its own input order. A failed base OT or
// extension run aborts the whole shuffle; partial shuffles are never
// returned.
package shuffle

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/big"
	"math/bits"
	"net"

	"github.com/markkurossi/mpc/ot"
	"github.com/markkurossi/mpc/p2p"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/blake2b"

	"gitlab.com/mcrg/epsu/network"
)

// Block is one 128-bit shuffle unit.
type Block = ot.Label

// Dial opens the dedicated OT socket towards the masking party.
func Dial(address string) (*p2p.Conn, net.Conn, error) {
	nc, err := net.Dial("tcp", address)
	if err != nil {
		return nil, nil, errors.WithMessagef(network.ErrTransport,
			"ot socket dial %s: %+v", address, err)
	}
	return p2p.NewConn(nc), nc, nil
}

// Accept waits for the permuting party on the OT socket listener.
func Accept(l net.Listener) (*p2p.Conn, net.Conn, error) {
	nc, err := l.Accept()
	if err != nil {
		return nil, nil, errors.WithMessagef(network.ErrTransport,
			"ot socket accept: %+v", err)
	}
	return p2p.NewConn(nc), nc, nil
}

// benesSwitch is one 2x2 crossbar of the switching network. It couples
// its two rows between wire columns layer and layer+1.
type benesSwitch struct {
	layer int
	top   int
	bot   int
}

// layerCount returns the number of switch columns of a Benes network
// over n wires.
func layerCount(n int) int {
	return 2*(bits.Len64(uint64(n))-1) - 1
}

// benesPlan enumerates the switches of a Benes network over n wires in a
// fixed order shared by both parties. The order is also a valid in-place
// evaluation order: every switch appears after the switches feeding its
// input wires. When dest is non-nil the plan additionally carries one
// crossing bit per switch, routing the value entering row i to leave the
// network at row dest[i].
func benesPlan(n int, dest []int) ([]benesSwitch, []bool, error) {
	if n < 2 || n&(n-1) != 0 {
		return nil, nil, errors.Errorf(
			"switching network width %d is not a power of two >= 2", n)
	}
	if dest != nil && len(dest) != n {
		return nil, nil, errors.Errorf(
			"routing target has %d entries for %d wires", len(dest), n)
	}

	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	count := n / 2 * layerCount(n)
	sw := make([]benesSwitch, 0, count)
	var ctl []bool
	if dest != nil {
		ctl = make([]bool, 0, count)
	}
	benesDescend(rows, 0, dest, &sw, &ctl)
	return sw, ctl, nil
}

// benesDescend lays out the sub-network over the given wire rows starting
// at switch column col: one input column, two half-size sub-networks over
// the even and odd rows, one output column.
func benesDescend(rows []int, col int, dest []int, sw *[]benesSwitch, ctl *[]bool) {
	m := len(rows)
	if m == 2 {
		*sw = append(*sw, benesSwitch{layer: col, top: rows[0], bot: rows[1]})
		if dest != nil {
			*ctl = append(*ctl, dest[0] == 1)
		}
		return
	}
	half := m / 2

	var subnet, topDest, botDest []int
	var crossOut []bool
	if dest != nil {
		inv := make([]int, m)
		for i, d := range dest {
			inv[d] = i
		}

		// 2-color the routing constraint cycles: the two inputs of an
		// input switch travel through different halves, and the two
		// outputs of an output switch arrive from different halves.
		subnet = make([]int, m)
		for i := range subnet {
			subnet[i] = -1
		}
		for start := 0; start < m; start++ {
			i := start
			for subnet[i] == -1 {
				subnet[i] = 0
				subnet[i^1] = 1
				i = inv[dest[i^1]^1]
			}
		}

		topDest = make([]int, half)
		botDest = make([]int, half)
		crossOut = make([]bool, half)
		for x := 0; x < m; x++ {
			o := dest[x] / 2
			if subnet[x] == 0 {
				topDest[x/2] = o
				crossOut[o] = dest[x]%2 == 1
			} else {
				botDest[x/2] = o
			}
		}
	}

	for i := 0; i < half; i++ {
		*sw = append(*sw, benesSwitch{layer: col, top: rows[2*i], bot: rows[2*i+1]})
		if dest != nil {
			*ctl = append(*ctl, subnet[2*i] == 1)
		}
	}

	topRows := make([]int, half)
	botRows := make([]int, half)
	for i := 0; i < half; i++ {
		topRows[i] = rows[2*i]
		botRows[i] = rows[2*i+1]
	}
	benesDescend(topRows, col+1, topDest, sw, ctl)
	benesDescend(botRows, col+1, botDest, sw, ctl)

	outCol := col + layerCount(m) - 1
	for o := 0; o < half; o++ {
		*sw = append(*sw, benesSwitch{layer: outCol, top: rows[2*o], bot: rows[2*o+1]})
		if dest != nil {
			*ctl = append(*ctl, crossOut[o])
		}
	}
}

// Mask is the masking party's half of the shuffle. Every network wire
// carries a fresh random mask; the blocks cross the wire blinded by the
// input-column masks, and each switch's straight and crossed correction
// pair is sealed under the two labels of its OT instance, of which the
// permuting party can open exactly one.
func Mask(conn *p2p.Conn, blocks []Block) error {
	n := len(blocks)
	sw, _, err := benesPlan(n, nil)
	if err != nil {
		return err
	}

	cols := layerCount(n) + 1
	wire := make([][]Block, cols)
	for c := range wire {
		wire[c] = make([]Block, n)
		for r := range wire[c] {
			if wire[c][r], err = randomBlock(); err != nil {
				return err
			}
		}
	}

	base := ot.NewCO(crand.Reader)
	if err := base.InitSender(conn); err != nil {
		return errors.WithMessagef(network.ErrTransport, "base OT init: %+v", err)
	}
	sender, err := ot.NewIKNPSender(base, conn, crand.Reader, nil)
	if err != nil {
		return errors.WithMessagef(network.ErrTransport, "OT extension init: %+v", err)
	}

	b0, err := sender.Send(len(sw), false)
	if err != nil {
		return errors.WithMessagef(network.ErrTransport, "OT extension send: %+v", err)
	}

	var data ot.LabelData
	for i, s := range sw {
		inTop := wire[s.layer][s.top]
		inBot := wire[s.layer][s.bot]
		outTop := wire[s.layer+1][s.top]
		outBot := wire[s.layer+1][s.bot]

		straight := [2]Block{xorBlock(inTop, outTop), xorBlock(inBot, outBot)}
		crossed := [2]Block{xorBlock(inBot, outTop), xorBlock(inTop, outBot)}

		b1 := b0[i]
		b1.Xor(sender.Delta)
		if err = conn.SendData(sealPair(straight, b0[i], &data)); err != nil {
			return errors.WithMessagef(network.ErrTransport,
				"switch correction send: %+v", err)
		}
		if err = conn.SendData(sealPair(crossed, b1, &data)); err != nil {
			return errors.WithMessagef(network.ErrTransport,
				"switch correction send: %+v", err)
		}
	}

	for r, block := range blocks {
		if err = conn.SendData(blockBytes(xorBlock(block, wire[0][r]))); err != nil {
			return errors.WithMessagef(network.ErrTransport,
				"masked block send: %+v", err)
		}
	}
	for r := 0; r < n; r++ {
		if err = conn.SendData(blockBytes(wire[cols-1][r])); err != nil {
			return errors.WithMessagef(network.ErrTransport,
				"output mask send: %+v", err)
		}
	}
	if err = conn.Flush(); err != nil {
		return errors.WithMessagef(network.ErrTransport, "masked block flush: %+v", err)
	}

	jww.DEBUG.Printf("Masked and transferred %d blocks through %d switches",
		n, len(sw))
	return nil
}

// Permute is the permuting party's half. It samples a fresh uniform
// permutation, routes it into per-switch crossing bits, obliviously
// fetches one correction per switch with the crossing bits as OT choices,
// and evaluates the network over the blinded blocks. perm[i] is the
// pre-shuffle position of post-shuffle block i; the permutation must not
// outlive the query that ran the shuffle.
func Permute(conn *p2p.Conn, count int) ([]Block, []int, error) {
	perm, err := randomPermutation(count)
	if err != nil {
		return nil, nil, err
	}
	dest := make([]int, count)
	for o, src := range perm {
		dest[src] = o
	}
	sw, ctl, err := benesPlan(count, dest)
	if err != nil {
		return nil, nil, err
	}

	base := ot.NewCO(crand.Reader)
	if err := base.InitReceiver(conn); err != nil {
		return nil, nil, errors.WithMessagef(network.ErrTransport, "base OT init: %+v", err)
	}
	receiver, err := ot.NewIKNPReceiver(base, conn, crand.Reader)
	if err != nil {
		return nil, nil, errors.WithMessagef(network.ErrTransport, "OT extension init: %+v", err)
	}

	labels := make([]Block, len(sw))
	if err = receiver.Receive(ctl, labels, false); err != nil {
		return nil, nil, errors.WithMessagef(network.ErrTransport, "OT extension receive: %+v", err)
	}

	var data ot.LabelData
	corr := make([][2]Block, len(sw))
	for i := range sw {
		e := make([][]byte, 2)
		for j := range e {
			if e[j], err = conn.ReceiveData(); err != nil {
				return nil, nil, errors.WithMessagef(network.ErrTransport,
					"switch correction receive: %+v", err)
			}
		}
		sel := e[0]
		if ctl[i] {
			sel = e[1]
		}
		if corr[i], err = openPair(sel, labels[i], &data); err != nil {
			return nil, nil, err
		}
	}

	v := make([]Block, count)
	for r := range v {
		raw, err := conn.ReceiveData()
		if err != nil {
			return nil, nil, errors.WithMessagef(network.ErrTransport,
				"masked block receive: %+v", err)
		}
		if v[r], err = blockFromBytes(raw); err != nil {
			return nil, nil, err
		}
	}

	for i, s := range sw {
		top, bot := v[s.top], v[s.bot]
		if ctl[i] {
			top, bot = bot, top
		}
		top.Xor(corr[i][0])
		bot.Xor(corr[i][1])
		v[s.top], v[s.bot] = top, bot
	}

	for r := range v {
		raw, err := conn.ReceiveData()
		if err != nil {
			return nil, nil, errors.WithMessagef(network.ErrTransport,
				"output mask receive: %+v", err)
		}
		mask, err := blockFromBytes(raw)
		if err != nil {
			return nil, nil, err
		}
		v[r].Xor(mask)
	}

	jww.DEBUG.Printf("Obliviously permuted %d blocks through %d switches",
		count, len(sw))
	return v, perm, nil
}

// sealPair one-time-pads a correction pair under the hash of an OT label.
func sealPair(m [2]Block, key Block, data *ot.LabelData) []byte {
	key.GetData(data)
	pad := blake2b.Sum256(data[:])

	out := make([]byte, 2*len(data))
	m[0].GetData(data)
	for i := range data {
		out[i] = data[i] ^ pad[i]
	}
	m[1].GetData(data)
	for i := range data {
		out[len(data)+i] = data[i] ^ pad[len(data)+i]
	}
	return out
}

// openPair reverses sealPair with the label the OT delivered.
func openPair(sealed []byte, key Block, data *ot.LabelData) ([2]Block, error) {
	var m [2]Block
	if len(sealed) != 2*len(data) {
		return m, errors.Errorf("sealed correction has width %d, expected %d",
			len(sealed), 2*len(data))
	}
	key.GetData(data)
	pad := blake2b.Sum256(data[:])

	var raw ot.LabelData
	for j := range m {
		for i := range raw {
			raw[i] = sealed[j*len(raw)+i] ^ pad[j*len(raw)+i]
		}
		m[j].SetData(&raw)
	}
	return m, nil
}

func xorBlock(a, b Block) Block {
	a.Xor(b)
	return a
}

func blockBytes(b Block) []byte {
	var data ot.LabelData
	b.GetData(&data)
	out := make([]byte, len(data))
	copy(out, data[:])
	return out
}

func blockFromBytes(raw []byte) (Block, error) {
	var b Block
	var data ot.LabelData
	if len(raw) != len(data) {
		return b, errors.Errorf("wire block has width %d, expected %d",
			len(raw), len(data))
	}
	copy(data[:], raw)
	b.SetData(&data)
	return b, nil
}

func randomBlock() (Block, error) {
	var raw ot.LabelData
	if _, err := crand.Read(raw[:]); err != nil {
		return Block{}, errors.WithMessage(err, "wire mask sampling")
	}
	var b Block
	b.SetData(&raw)
	return b, nil
}

// randomPermutation samples a uniform permutation with Fisher-Yates over
// crypto/rand.
func randomPermutation(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, errors.WithMessage(err, "permutation sampling")
		}
		perm[i], perm[j.Int64()] = perm[j.Int64()], perm[i]
	}
	return perm, nil
}

// MaskBlock packs a plaintext-space mask value into a block, salting the
// upper half so blocks are never distinguishable by content. Only the low
// 64 bits carry the mask.
func MaskBlock(mask uint64) (Block, error) {
	var raw ot.LabelData
	if _, err := crand.Read(raw[:8]); err != nil {
		return Block{}, errors.WithMessage(err, "mask block salt")
	}
	binary.BigEndian.PutUint64(raw[8:], mask)
	var b Block
	b.SetData(&raw)
	return b, nil
}

// MaskValue recovers the mask value from a block.
func MaskValue(b Block) uint64 {
	var raw ot.LabelData
	b.GetData(&raw)
	return binary.BigEndian.Uint64(raw[8:])
}
