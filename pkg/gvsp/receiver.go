package gvsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Block is one fully received image
type Block struct {
	ID     uint16
	Leader Leader
	Data   []byte // pixels, including row padding
}

// IncompleteBlockError is returned when a trailer arrives but payload packets are missing
type IncompleteBlockError struct {
	BlockID  uint16
	Expected int
	Received int
}

func (e *IncompleteBlockError) Error() string {
	return fmt.Sprintf("gvsp block %v incomplete: received %v of %v payload packets", e.BlockID, e.Received, e.Expected)
}

// Size of the kernel receive buffer that we ask for. A single 1080p RGB image is 6MB,
// which arrives in a burst much faster than we can read it with the default buffer.
const socketReceiveBuffer = 16 * 1024 * 1024

// Receiver reassembles blocks from a single stream channel.
// It is not safe for concurrent use.
type Receiver struct {
	conn     *net.UDPConn
	buf      []byte
	current  *assembly
	nDropped int64

	// Identifies the ReadBlock call in progress, so that a late context callback from an
	// earlier call can't cut the current read short. Zero means no read is in progress.
	readMu  sync.Mutex
	readGen uint64
	lastGen uint64
}

type assembly struct {
	blockID  uint16
	leader   Leader
	payloads map[uint32][]byte
}

// Listen opens a stream channel socket on the given local address, with an ephemeral port
func Listen(local net.IP) (*Receiver, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: local})
	if err != nil {
		return nil, err
	}
	setReceiveBuffer(conn, socketReceiveBuffer)
	return &Receiver{
		conn: conn,
		buf:  make([]byte, 65536),
	}, nil
}

// Port is the local UDP port, which must be programmed into the camera's SCP register
func (r *Receiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Dropped is the number of blocks that were abandoned because a newer block started
// before their trailer arrived
func (r *Receiver) Dropped() int64 {
	return r.nDropped
}

func (r *Receiver) Close() error {
	return r.conn.Close()
}

// ReadBlock blocks until a complete block arrives, the context is done, or the socket fails.
// A block with missing packets returns an *IncompleteBlockError.
func (r *Receiver) ReadBlock(ctx context.Context) (*Block, error) {
	if d, ok := ctx.Deadline(); ok {
		r.conn.SetReadDeadline(d)
	} else {
		r.conn.SetReadDeadline(time.Time{})
	}
	gen := r.beginRead()
	stop := context.AfterFunc(ctx, func() {
		r.interrupt(gen)
	})
	defer func() {
		stop()
		r.endRead()
	}()

	for {
		n, err := r.conn.Read(r.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
				// The socket deadline can beat the context timer
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
		block, err := r.handlePacket(r.buf[:n])
		if err != nil || block != nil {
			return block, err
		}
	}
}

func (r *Receiver) beginRead() uint64 {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	r.lastGen++
	r.readGen = r.lastGen
	return r.readGen
}

func (r *Receiver) endRead() {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	r.readGen = 0
}

// interrupt wakes up the blocked read, but only if it is still the read numbered gen
func (r *Receiver) interrupt(gen uint64) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	if r.readGen == gen {
		r.conn.SetReadDeadline(time.Now())
	}
}

func (r *Receiver) handlePacket(pkt []byte) (*Block, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, nil
	}
	switch h.Format {
	case FormatLeader:
		leader, err := DecodeLeader(pkt)
		if err != nil {
			return nil, err
		}
		if r.current != nil {
			r.nDropped++
		}
		r.current = &assembly{
			blockID:  h.BlockID,
			leader:   leader,
			payloads: map[uint32][]byte{},
		}
	case FormatPayload:
		if r.current == nil || r.current.blockID != h.BlockID {
			return nil, nil
		}
		r.current.payloads[h.PacketID] = append([]byte(nil), pkt[headerSize:]...)
	case FormatTrailer:
		if r.current == nil || r.current.blockID != h.BlockID {
			return nil, nil
		}
		a := r.current
		r.current = nil
		return a.finish(int(h.PacketID) - 1)
	}
	return nil, nil
}

func (a *assembly) finish(expected int) (*Block, error) {
	if len(a.payloads) != expected {
		return nil, &IncompleteBlockError{BlockID: a.blockID, Expected: expected, Received: len(a.payloads)}
	}
	ids := make([]uint32, 0, len(a.payloads))
	total := 0
	for id, p := range a.payloads {
		ids = append(ids, id)
		total += len(p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	data := make([]byte, 0, total)
	for i, id := range ids {
		if id != uint32(i+1) {
			return nil, &IncompleteBlockError{BlockID: a.blockID, Expected: expected, Received: i}
		}
		data = append(data, a.payloads[id]...)
	}
	return &Block{
		ID:     a.blockID,
		Leader: a.leader,
		Data:   data,
	}, nil
}

// IsIncomplete reports whether err is an *IncompleteBlockError
func IsIncomplete(err error) bool {
	var e *IncompleteBlockError
	return errors.As(err, &e)
}
