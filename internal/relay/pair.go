package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	ncerr "wsbridge/internal/errors"
	"wsbridge/internal/metrics"
	"wsbridge/internal/transport"
	"wsbridge/util"
)

const (
	// DefaultWriteTimeout bounds a single write to either leg.  A peer
	// that does not drain for this long is treated as a transport error.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultCloseGrace is used when Options.CloseGrace is zero.
	DefaultCloseGrace = 5 * time.Second
)

// Options tunes the behaviour of a Pair.
type Options struct {
	ConnectTimeout time.Duration // upstream dial bound; 0 leaves it to the dialer
	CloseGrace     time.Duration // bound on the orderly close of the other leg
	WriteTimeout   time.Duration // bound on a single write
	PingInterval   time.Duration // 0 disables keepalive pings
	TextFrames     bool          // send upstream data as text messages
}

func (o Options) withDefaults() Options {
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Pair couples one inbound WebSocket connection to one outbound TCP
// connection and owns both for its lifetime.
//
// The inbound write path (data, pings, the close frame) and every
// change of state away from Active happen under wmu, so "is the pair
// Active" and "write to the client" are one atomic step.
type Pair struct {
	id       uint64
	inbound  MessageConn
	outbound net.Conn
	remote   string
	upstream string
	dialer   transport.Dialer
	opts     Options
	metrics  *metrics.Collector
	logger   *util.Logger
	created  time.Time

	state    atomic.Int32
	closedBy atomic.Int32
	bytesIn  atomic.Int64 // client → upstream
	bytesOut atomic.Int64 // upstream → client

	wmu sync.Mutex // inbound writes, state transitions
	omu sync.Mutex // outbound writes vs. half-close
}

// NewPair returns a Pair in the Connecting state.  Nothing happens
// until Run.
func NewPair(id uint64, inbound MessageConn, dialer transport.Dialer, upstream string,
	opts Options, m *metrics.Collector, logger *util.Logger) *Pair {
	p := &Pair{
		id:       id,
		inbound:  inbound,
		upstream: upstream,
		dialer:   dialer,
		opts:     opts.withDefaults(),
		metrics:  m,
		logger:   logger.With(fmt.Sprintf("pair=%d", id)),
		created:  time.Now(),
	}
	if a := inbound.RemoteAddr(); a != nil {
		p.remote = a.String()
	}
	p.state.Store(int32(Connecting))
	return p
}

// ID returns the pair's listener-unique identifier.
func (p *Pair) ID() uint64 { return p.id }

// State returns the current lifecycle state.
func (p *Pair) State() State { return State(p.state.Load()) }

// ClosedBy returns the side that initiated closing, or SideNone while
// the pair is still open.
func (p *Pair) ClosedBy() Side { return Side(p.closedBy.Load()) }

// PairInfo is a JSON-friendly view of a live pair.
type PairInfo struct {
	ID            uint64 `json:"id"`
	Remote        string `json:"remote"`
	Upstream      string `json:"upstream"`
	State         string `json:"state"`
	Age           string `json:"age"`
	BytesInbound  int64  `json:"bytes_inbound"`
	BytesOutbound int64  `json:"bytes_outbound"`
}

// Info returns a snapshot of the pair.
func (p *Pair) Info() PairInfo {
	return PairInfo{
		ID:            p.id,
		Remote:        p.remote,
		Upstream:      p.upstream,
		State:         p.State().String(),
		Age:           time.Since(p.created).Truncate(time.Millisecond).String(),
		BytesInbound:  p.bytesIn.Load(),
		BytesOutbound: p.bytesOut.Load(),
	}
}

// legResult is what a forwarding goroutine reports when it stops.
type legResult struct {
	side Side
	op   string
	err  error
}

// Run drives the pair from Connecting to Closed.  It returns only after
// both forwarding goroutines have exited and both handles are closed.
// Cancelling ctx closes the pair as a local shutdown.
func (p *Pair) Run(ctx context.Context) {
	p.metrics.PairOpened()
	defer func() {
		p.transition(Closed)
		p.metrics.PairClosed(time.Since(p.created))
		p.logger.Verbose("closed after %v (in=%d out=%d, closed by %s)",
			time.Since(p.created).Truncate(time.Millisecond),
			p.bytesIn.Load(), p.bytesOut.Load(), p.ClosedBy())
	}()

	p.logger.Verbose("accepted from %s, dialing %s", p.remote, p.upstream)
	out, err := p.connect(ctx)
	if err != nil {
		p.failConnect(ctx, err)
		return
	}
	p.outbound = out
	p.transition(Active)
	p.logger.Verbose("upstream %s connected", p.upstream)

	results := make(chan legResult, 2)
	stopPing := make(chan struct{})
	var wg sync.WaitGroup

	if p.opts.PingInterval > 0 {
		p.inbound.SetPongHandler(func(string) error {
			p.extendReadDeadline()
			return nil
		})
		p.extendReadDeadline()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pingLoop(stopPing)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- p.pumpInbound()
	}()
	go func() {
		defer wg.Done()
		results <- p.pumpOutbound()
	}()

	var first legResult
	pending := 1
	select {
	case first = <-results:
	case <-ctx.Done():
		first = legResult{side: SideLocal}
		pending = 2
	}
	p.closeLegs(first)
	p.drain(results, pending)

	close(stopPing)
	p.inbound.Close()
	p.outbound.Close()
	wg.Wait()
}

func (p *Pair) connect(ctx context.Context) (net.Conn, error) {
	if p.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}
	return p.dialer.Dial(ctx, "tcp", p.upstream)
}

// failConnect closes the inbound leg after a failed dial.  The client
// gets a close frame and nothing else.
func (p *Pair) failConnect(ctx context.Context, err error) {
	p.transition(Closing)

	code, text := websocket.CloseInternalServerErr, "upstream unavailable"
	if ctx.Err() != nil {
		p.closedBy.Store(int32(SideLocal))
		code, text = websocket.CloseGoingAway, "bridge shutting down"
		p.logger.Verbose("shutdown while dialing %s", p.upstream)
	} else {
		p.closedBy.Store(int32(SideOutbound))
		p.metrics.ConnectFailure()
		legErr := &LegError{Side: SideOutbound, Op: "dial", Err: err}
		p.metrics.RecordError(legErr.Error())
		if ncerr.IsRefused(err) {
			text = "upstream refused connection"
			p.logger.Error("upstream %s refused the connection (nothing listening?)", p.upstream)
		} else {
			p.logger.Error("%v", legErr)
		}
	}

	deadline := time.Now().Add(p.opts.CloseGrace)
	p.sendClose(code, text, deadline)

	// Wait for the client's close reply; anything else it sends is
	// discarded.
	_ = p.inbound.SetReadDeadline(deadline)
	for {
		if _, _, err := p.inbound.ReadMessage(); err != nil {
			break
		}
	}
	p.inbound.Close()
}

// pumpInbound forwards client messages upstream, one write per message.
func (p *Pair) pumpInbound() legResult {
	for {
		_, msg, err := p.inbound.ReadMessage()
		if err != nil {
			return legResult{side: SideInbound, op: "read", err: err}
		}
		p.extendReadDeadline()
		if err := p.writeOutbound(msg); err != nil {
			return legResult{side: SideOutbound, op: "write", err: err}
		}
	}
}

func (p *Pair) writeOutbound(msg []byte) error {
	p.omu.Lock()
	defer p.omu.Unlock()

	if st := p.State(); st != Active {
		p.logger.Debug("dropped %d bytes from client while %s", len(msg), st)
		return nil
	}
	_ = p.outbound.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	n, err := p.outbound.Write(msg)
	p.bytesIn.Add(int64(n))
	p.metrics.BytesInbound(int64(n))
	return err
}

// pumpOutbound forwards upstream bytes to the client, one message per
// read.
func (p *Pair) pumpOutbound() legResult {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		n, err := p.outbound.Read(buf)
		if n > 0 {
			if werr := p.sendInbound(buf[:n]); werr != nil {
				return legResult{side: SideInbound, op: "write", err: werr}
			}
		}
		if err != nil {
			return legResult{side: SideOutbound, op: "read", err: err}
		}
	}
}

// sendInbound writes data to the client if, and only if, the pair is
// Active at the moment of writing.  Otherwise the data is dropped.
func (p *Pair) sendInbound(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if st := p.State(); st != Active {
		p.metrics.DroppedBytes(int64(len(data)))
		p.logger.Debug("dropped %d bytes from upstream while %s", len(data), st)
		return nil
	}
	_ = p.inbound.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	if err := p.inbound.WriteMessage(p.frameType(), data); err != nil {
		return err
	}
	p.bytesOut.Add(int64(len(data)))
	p.metrics.BytesOutbound(int64(len(data)))
	return nil
}

func (p *Pair) frameType() int {
	if p.opts.TextFrames {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (p *Pair) pingLoop(stop <-chan struct{}) {
	t := time.NewTicker(p.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		p.wmu.Lock()
		var err error
		if p.State() == Active {
			err = p.inbound.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.opts.WriteTimeout))
		}
		p.wmu.Unlock()
		if err != nil {
			// The read deadline catches a peer that stopped answering.
			p.logger.Debug("ping: %v", err)
		}
	}
}

// extendReadDeadline pushes the inbound read deadline out while pings
// are enabled.  It never extends a deadline set by closeLegs.
func (p *Pair) extendReadDeadline() {
	if p.opts.PingInterval <= 0 {
		return
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.State() == Active {
		_ = p.inbound.SetReadDeadline(time.Now().Add(2 * p.opts.PingInterval))
	}
}

func (p *Pair) transition(to State) {
	p.wmu.Lock()
	from := p.State()
	p.state.Store(int32(to))
	p.wmu.Unlock()
	if from != to {
		p.logger.Debug("%s -> %s", from, to)
	}
}

// closeLegs moves the pair to Closing and asks the leg that did not
// initiate to finish in an orderly way.  A leg that failed is closed
// outright.
func (p *Pair) closeLegs(first legResult) {
	if first.side == SideInbound {
		// Its reader or writer has stopped; any close handshake was
		// already answered by the websocket library.  Closed before
		// taking wmu: a data write to a client that stopped reading
		// would otherwise hold it for the whole WriteTimeout.
		p.inbound.Close()
	}
	p.transition(Closing)
	p.closedBy.Store(int32(first.side))
	code, text := p.report(first)
	deadline := time.Now().Add(p.opts.CloseGrace)

	if first.side != SideInbound {
		p.sendClose(code, text, deadline)
		_ = p.inbound.SetReadDeadline(deadline)
	}

	if first.side == SideOutbound && !(first.op == "read" && errors.Is(first.err, io.EOF)) {
		p.outbound.Close()
	} else {
		p.halfCloseOutbound(deadline)
	}
}

// report logs the event that started closing and picks the close code
// the client will see.
func (p *Pair) report(first legResult) (code int, text string) {
	switch {
	case first.side == SideLocal:
		p.logger.Verbose("closing: bridge shutting down")
		return websocket.CloseGoingAway, "bridge shutting down"
	case first.side == SideOutbound && first.op == "read" && errors.Is(first.err, io.EOF):
		p.logger.Verbose("upstream closed the connection")
		return websocket.CloseNormalClosure, "upstream closed"
	case first.side == SideInbound && first.op == "read" && isClientClose(first.err):
		p.logger.Verbose("client closed the connection (%v)", first.err)
		return websocket.CloseNormalClosure, ""
	}

	legErr := &LegError{Side: first.side, Op: first.op, Err: first.err}
	p.metrics.RecordError(legErr.Error())
	p.logger.Error("%v", legErr)
	return websocket.CloseInternalServerErr, "upstream error"
}

func isClientClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || util.IsExpectedCloseError(err)
}

func (p *Pair) sendClose(code int, text string, deadline time.Time) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	if err := p.inbound.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		p.logger.Debug("close frame: %v", err)
	}
}

// halfCloseOutbound sends FIN upstream so it can finish, and bounds how
// long it may take.  Conns without CloseWrite are closed outright.
func (p *Pair) halfCloseOutbound(deadline time.Time) {
	_ = p.outbound.SetWriteDeadline(deadline)
	p.omu.Lock()
	ok := util.CloseWrite(p.outbound)
	p.omu.Unlock()
	if !ok {
		p.outbound.Close()
		return
	}
	_ = p.outbound.SetReadDeadline(deadline)
}

// drain collects the remaining forwarding results.  Deadlines set by
// closeLegs normally end them; handles that ignore deadlines are
// closed once the grace period is over.
func (p *Pair) drain(results <-chan legResult, n int) {
	timer := time.NewTimer(p.opts.CloseGrace + 100*time.Millisecond)
	defer timer.Stop()
	for ; n > 0; n-- {
		select {
		case r := <-results:
			if r.err != nil && !util.IsExpectedCloseError(r.err) && !util.IsTimeout(r.err) {
				p.logger.Debug("%s %s after close: %v", r.side, r.op, r.err)
			}
		case <-timer.C:
			p.logger.Debug("grace period over, closing both legs")
			p.inbound.Close()
			p.outbound.Close()
			for ; n > 0; n-- {
				<-results
			}
			return
		}
	}
}
