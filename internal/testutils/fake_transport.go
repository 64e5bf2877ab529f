package testutils

import (
	"bytes"
	"errors"
	"io"

	"github.com/srg/bthost/internal/transport"
)

// FakeChannel implements transport.Channel with manual condition control,
// so connection gate and teardown ordering can be asserted precisely.
type FakeChannel struct {
	SrcAddr  string
	DstAddr  string
	PSMValue uint16
	ChanNum  uint8

	// AcceptErr makes Accept fail synchronously; AcceptDoneErr is the
	// error delivered to the accept completion callback.
	AcceptErr     error
	AcceptDoneErr error

	// AcceptDeferred holds the completion callback instead of firing it,
	// for tests that complete the handshake manually via FinishAccept.
	AcceptDeferred bool

	Accepted  bool
	Shutdowns int

	watches   map[uint]fakeWatch
	nextWatch uint
	pending   func(transport.Channel, error)

	buf bytes.Buffer
}

type fakeWatch struct {
	cond transport.IOCond
	fn   transport.WatchFunc
}

func NewFakeChannel(src, dst string, psm uint16, chanNum uint8) *FakeChannel {
	return &FakeChannel{
		SrcAddr:  src,
		DstAddr:  dst,
		PSMValue: psm,
		ChanNum:  chanNum,
		watches:  make(map[uint]fakeWatch),
	}
}

func (c *FakeChannel) Src() string    { return c.SrcAddr }
func (c *FakeChannel) Dst() string    { return c.DstAddr }
func (c *FakeChannel) PSM() uint16    { return c.PSMValue }
func (c *FakeChannel) Channel() uint8 { return c.ChanNum }

func (c *FakeChannel) Accept(done func(transport.Channel, error)) error {
	if c.AcceptErr != nil {
		return c.AcceptErr
	}
	if c.AcceptDeferred {
		c.pending = done
		return nil
	}
	c.finish(done)
	return nil
}

// FinishAccept completes a deferred handshake.
func (c *FakeChannel) FinishAccept() {
	if c.pending != nil {
		done := c.pending
		c.pending = nil
		c.finish(done)
	}
}

func (c *FakeChannel) finish(done func(transport.Channel, error)) {
	if c.AcceptDoneErr == nil {
		c.Accepted = true
	}
	if done != nil {
		done(c, c.AcceptDoneErr)
	}
}

func (c *FakeChannel) Watch(cond transport.IOCond, fn transport.WatchFunc) uint {
	c.nextWatch++
	c.watches[c.nextWatch] = fakeWatch{cond: cond, fn: fn}
	return c.nextWatch
}

func (c *FakeChannel) RemoveWatch(id uint) {
	delete(c.watches, id)
}

// Watches reports how many watches are installed.
func (c *FakeChannel) Watches() int { return len(c.watches) }

// Fire delivers cond to matching watches, dropping those returning false.
func (c *FakeChannel) Fire(cond transport.IOCond) {
	for id, w := range c.watches {
		if w.cond&cond == 0 {
			continue
		}
		if !w.fn(cond) {
			delete(c.watches, id)
		}
	}
}

func (c *FakeChannel) Shutdown(bool) error {
	c.Shutdowns++
	return nil
}

func (c *FakeChannel) Read(p []byte) (int, error) {
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *FakeChannel) Write(p []byte) (int, error) {
	if c.Shutdowns > 0 {
		return 0, errors.New("write on closed channel")
	}
	return c.buf.Write(p)
}

// Written returns the bytes written to the channel.
func (c *FakeChannel) Written() []byte { return c.buf.Bytes() }

// FakeTransport implements transport.Transport, recording listens and
// letting tests inject inbound channels.
type FakeTransport struct {
	// ListenErr fails every Listen call.
	ListenErr error

	Listeners []*FakeListener
}

type FakeListener struct {
	transport *FakeTransport
	ListenOps transport.ListenOpts
	accept    transport.AcceptFunc
	Closed    bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (t *FakeTransport) Listen(accept transport.AcceptFunc, opts ...transport.Option) (transport.Listener, error) {
	lo, err := transport.Collect(opts...)
	if err != nil {
		return nil, err
	}
	if t.ListenErr != nil {
		return nil, t.ListenErr
	}

	l := &FakeListener{transport: t, ListenOps: lo, accept: accept}
	t.Listeners = append(t.Listeners, l)
	return l, nil
}

// Open reports how many listeners are still open.
func (t *FakeTransport) Open() int {
	n := 0
	for _, l := range t.Listeners {
		if !l.Closed {
			n++
		}
	}
	return n
}

func (l *FakeListener) Opts() transport.ListenOpts { return l.ListenOps }

func (l *FakeListener) Close() error {
	l.Closed = true
	return nil
}

// Deliver hands an inbound channel to the listener's accept callback.
func (l *FakeListener) Deliver(ch transport.Channel) {
	l.accept(ch)
}
