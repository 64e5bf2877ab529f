package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// channelBufSize is the per-direction buffer of a loopback channel.
const channelBufSize = 4096

// Loopback is an in-memory Transport. Endpoints are keyed by
// (source address, PSM or RFCOMM channel); Dial connects a remote peer to a
// listening endpoint and hands the inbound side to the listener's accept
// callback. Tests and the demo daemon drive the core through it.
//
// Callbacks (accept delivery, watch firing, Accept completion) are routed
// through the dispatch function given at construction so they arrive on the
// daemon loop; a nil dispatch invokes them inline.
type Loopback struct {
	dispatch func(func())
	logger   *logrus.Logger

	mu        sync.Mutex
	listeners map[endpointKey]*loopListener
}

type endpointKey struct {
	src     string
	psm     uint16
	channel uint8
}

// NewLoopback creates an in-memory transport.
func NewLoopback(dispatch func(func()), logger *logrus.Logger) *Loopback {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Loopback{
		dispatch:  dispatch,
		logger:    logger,
		listeners: make(map[endpointKey]*loopListener),
	}
}

// Listen registers an endpoint. The endpoint stays open until its listener
// is closed; a second listen on the same (source, PSM/channel) fails.
func (t *Loopback) Listen(accept AcceptFunc, opts ...Option) (Listener, error) {
	lo, err := Collect(opts...)
	if err != nil {
		return nil, err
	}
	if accept == nil {
		return nil, errors.New("transport: nil accept callback")
	}

	key := endpointKey{src: lo.Source, psm: lo.PSM, channel: lo.Channel}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.listeners[key]; busy {
		return nil, fmt.Errorf("transport: endpoint %s/psm=%d/chan=%d already in use",
			lo.Source, lo.PSM, lo.Channel)
	}

	l := &loopListener{transport: t, key: key, opts: lo, accept: accept}
	t.listeners[key] = l

	t.logger.WithFields(logrus.Fields{
		"src": lo.Source, "psm": lo.PSM, "channel": lo.Channel,
	}).Debug("loopback: listening")

	return l, nil
}

// Dial originates a channel from src to a listening endpoint on dst. The
// returned channel is the originator's side, already connected; the
// listener's side is delivered through its accept callback.
func (t *Loopback) Dial(src, dst string, opts ...Option) (Channel, error) {
	lo, err := Collect(opts...)
	if err != nil {
		return nil, err
	}

	key := endpointKey{src: dst, psm: lo.PSM, channel: lo.Channel}

	t.mu.Lock()
	l, ok := t.listeners[key]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: connection refused to %s/psm=%d/chan=%d",
			dst, lo.PSM, lo.Channel)
	}

	local := newLoopChannel(t, src, dst, lo.PSM, lo.Channel)
	remote := newLoopChannel(t, dst, src, lo.PSM, lo.Channel)
	local.peer, remote.peer = remote, local
	local.accepted = true // the originator needs no handshake

	accept := l.accept
	t.dispatch(func() { accept(remote) })

	return local, nil
}

type loopListener struct {
	transport *Loopback
	key       endpointKey
	opts      ListenOpts

	mu     sync.Mutex
	accept AcceptFunc
	closed bool
}

func (l *loopListener) Opts() ListenOpts { return l.opts }

func (l *loopListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.transport.mu.Lock()
	delete(l.transport.listeners, l.key)
	l.transport.mu.Unlock()
	return nil
}

type watchEntry struct {
	cond IOCond
	fn   WatchFunc
}

type loopChannel struct {
	transport *Loopback
	src, dst  string
	psm       uint16
	chanNum   uint8

	in *ringbuffer.RingBuffer // bytes written by the peer

	mu        sync.Mutex
	peer      *loopChannel
	accepted  bool
	closed    bool
	watches   map[uint]watchEntry
	nextWatch uint
}

func newLoopChannel(t *Loopback, src, dst string, psm uint16, chanNum uint8) *loopChannel {
	return &loopChannel{
		transport: t,
		src:       src,
		dst:       dst,
		psm:       psm,
		chanNum:   chanNum,
		in:        ringbuffer.New(channelBufSize).SetBlocking(true),
		watches:   make(map[uint]watchEntry),
	}
}

func (c *loopChannel) Src() string    { return c.src }
func (c *loopChannel) Dst() string    { return c.dst }
func (c *loopChannel) PSM() uint16    { return c.psm }
func (c *loopChannel) Channel() uint8 { return c.chanNum }

func (c *loopChannel) Accept(done func(Channel, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport: accept on closed channel")
	}
	c.accepted = true
	c.mu.Unlock()

	if done != nil {
		c.transport.dispatch(func() { done(c, nil) })
	}
	return nil
}

func (c *loopChannel) Watch(cond IOCond, fn WatchFunc) uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatch++
	id := c.nextWatch
	c.watches[id] = watchEntry{cond: cond, fn: fn}
	return id
}

func (c *loopChannel) RemoveWatch(id uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watches, id)
}

// fire delivers cond to every watch whose mask matches. Watches whose
// callback returns false are removed.
func (c *loopChannel) fire(cond IOCond) {
	c.mu.Lock()
	matched := make(map[uint]WatchFunc)
	for id, w := range c.watches {
		if w.cond&cond != 0 {
			matched[id] = w.fn
		}
	}
	c.mu.Unlock()

	for id, fn := range matched {
		id, fn := id, fn
		c.transport.dispatch(func() {
			if !fn(cond) {
				c.RemoveWatch(id)
			}
		})
	}
}

func (c *loopChannel) Shutdown(linger bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()

	if !linger {
		c.in.Reset()
	}
	c.in.CloseWriter()

	if peer != nil {
		peer.hangup()
	}
	return nil
}

// hangup is called on the surviving side when the peer shuts down.
func (c *loopChannel) hangup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.in.CloseWriter()
	c.fire(CondHup)
}

func (c *loopChannel) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

func (c *loopChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()

	if closed || peer == nil {
		return 0, errors.New("transport: write on closed channel")
	}
	return peer.in.Write(p)
}
