package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	ncerr "wsbridge/internal/errors"
	"wsbridge/internal/metrics"
	"wsbridge/internal/transport"
	"wsbridge/util"
)

const bound = 3 * time.Second

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// upstream is a TCP server whose accepted conns are handed to the test.
type upstream struct {
	ln    net.Listener
	conns chan net.Conn
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &upstream{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			u.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return u
}

func (u *upstream) addr() string { return u.ln.Addr().String() }

func (u *upstream) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(bound):
		t.Fatal("upstream never got a connection")
		return nil
	}
}

func startBridge(t *testing.T, upstreamAddr string, mutate ...func(*ListenerConfig)) (*Listener, *metrics.Collector) {
	t.Helper()
	cfg := ListenerConfig{
		Addr:     "127.0.0.1:0",
		Path:     "/",
		Upstream: upstreamAddr,
		Pair: Options{
			ConnectTimeout: 2 * time.Second,
			CloseGrace:     time.Second,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	col := metrics.New()
	l := NewListener(cfg, &transport.TCPDialer{Timeout: 2 * time.Second}, col, quietLogger())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l, col
}

func dialBridge(t *testing.T, l *Listener) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(util.WebSocketURL(l.Addr(), "/"), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(bound)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readUntilClose collects data messages until the close frame and
// returns their concatenation and the close error.
func readUntilClose(t *testing.T, c *websocket.Conn) ([]byte, error) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(bound))
	var buf bytes.Buffer
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(msg)
	}
}

func TestPair_PingPong(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	client := dialBridge(t, l)

	if err := client.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
		t.Fatal(err)
	}

	srv := up.accept(t)
	srv.SetDeadline(time.Now().Add(bound))
	got := make([]byte, 4)
	if _, err := io.ReadFull(srv, got); err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(got) != "PING" {
		t.Fatalf("upstream got %q, want PING", got)
	}
	if _, err := srv.Write([]byte("PONG")); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(bound))
	typ, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(msg) != "PONG" {
		t.Errorf("client got %q, want PONG", msg)
	}
	if typ != websocket.BinaryMessage {
		t.Errorf("frame type = %d, want binary", typ)
	}
}

func TestPair_RefusedUpstream(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	l, col := startBridge(t, util.FormatAddr("127.0.0.1", port))
	client := dialBridge(t, l)

	data, err := readUntilClose(t, client)
	if len(data) != 0 {
		t.Errorf("client received %q before close", data)
	}
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("err = %v, want close 1011", err)
	}
	if ce := err.(*websocket.CloseError); ce.Text != "upstream refused connection" {
		t.Errorf("close reason = %q", ce.Text)
	}
	waitFor(t, "pair teardown", func() bool { return col.ActivePairs() == 0 })
	if col.ConnectFailures() != 1 {
		t.Errorf("connect failures = %d, want 1", col.ConnectFailures())
	}
	if col.TotalBytesOutbound() != 0 {
		t.Errorf("bytes to client = %d, want 0", col.TotalBytesOutbound())
	}
}

func TestPair_InboundOrderThenClose(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	client := dialBridge(t, l)

	for _, m := range []string{"A", "B"} {
		if err := client.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := client.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		t.Fatal(err)
	}

	srv := up.accept(t)
	srv.SetReadDeadline(time.Now().Add(bound))
	got, err := io.ReadAll(srv) // returns at EOF, i.e. the close
	if err != nil {
		t.Fatalf("upstream saw %v instead of an orderly close", err)
	}
	if string(got) != "AB" {
		t.Errorf("upstream got %q, want AB", got)
	}
}

func TestPair_InboundConcatenation(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr())
	client := dialBridge(t, l)

	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		msg := bytes.Repeat([]byte{byte('a' + i%26)}, 1+i*37)
		want.Write(msg)
		typ := websocket.BinaryMessage
		if i%2 == 0 {
			typ = websocket.TextMessage
		}
		if err := client.WriteMessage(typ, msg); err != nil {
			t.Fatal(err)
		}
	}
	client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	srv := up.accept(t)
	srv.SetReadDeadline(time.Now().Add(bound))
	got, err := io.ReadAll(srv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("upstream got %d bytes, want %d in order", len(got), want.Len())
	}
	waitFor(t, "byte accounting", func() bool { return col.TotalBytesInbound() == int64(want.Len()) })
}

func TestPair_OutboundConcatenation(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr())
	client := dialBridge(t, l)
	srv := up.accept(t)

	var want bytes.Buffer
	for i := 0; i < 40; i++ {
		chunk := bytes.Repeat([]byte{byte('0' + i%10)}, 1+i*101)
		want.Write(chunk)
		if _, err := srv.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	srv.Close()

	got, err := readUntilClose(t, client)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want close 1000", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("client got %d bytes, want %d in order", len(got), want.Len())
	}
	waitFor(t, "pair teardown", func() bool { return col.ActivePairs() == 0 })
	if col.TotalBytesOutbound() != int64(want.Len()) {
		t.Errorf("bytes outbound = %d, want %d", col.TotalBytesOutbound(), want.Len())
	}
}

func TestPair_InboundCloseClosesOutbound(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	client := dialBridge(t, l)
	srv := up.accept(t)

	// abrupt: no close frame
	client.UnderlyingConn().Close()

	srv.SetReadDeadline(time.Now().Add(bound))
	_, err := srv.Read(make([]byte, 1))
	if !util.IsExpectedCloseError(err) {
		t.Fatalf("upstream read = %v, want EOF within %v", err, bound)
	}
}

func TestPair_ClientCloseWhileUpstreamFloods(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr(), func(c *ListenerConfig) { c.Pair.WriteTimeout = 10 * time.Second })
	client := dialBridge(t, l)
	srv := up.accept(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		for {
			select {
			case <-stop:
				return
			default:
			}
			srv.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			if _, err := srv.Write(chunk); err != nil && !util.IsTimeout(err) {
				return
			}
		}
	}()
	// The client never reads, so the bridge ends up blocked writing to it.
	time.Sleep(200 * time.Millisecond)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := client.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	srv.SetReadDeadline(start.Add(bound))
	_, err := srv.Read(make([]byte, 1))
	if !util.IsExpectedCloseError(err) {
		t.Fatalf("upstream read = %v, want the leg closed", err)
	}
	if elapsed := time.Since(start); elapsed >= bound {
		t.Errorf("upstream closed after %v", elapsed)
	}
}

func TestPair_OutboundCloseClosesInbound(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	client := dialBridge(t, l)
	srv := up.accept(t)

	srv.Close()

	_, err := readUntilClose(t, client)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want close 1000", err)
	}
}

func TestPair_OutboundResetClosesInboundWithError(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr())
	client := dialBridge(t, l)
	srv := up.accept(t)

	// SO_LINGER 0 turns Close into a RST.
	srv.(*net.TCPConn).SetLinger(0)
	srv.Close()

	_, err := readUntilClose(t, client)
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want a close frame", err)
	}
	// A reset may surface as EOF on some stacks; both are a close.
	if ce.Code != websocket.CloseInternalServerErr && ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d", ce.Code)
	}
	waitFor(t, "pair teardown", func() bool { return col.ActivePairs() == 0 })
}

func TestPair_Isolation(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())

	a := dialBridge(t, l)
	a.WriteMessage(websocket.TextMessage, []byte("a"))
	srvA := up.accept(t)

	b := dialBridge(t, l)
	b.WriteMessage(websocket.TextMessage, []byte("b"))
	srvB := up.accept(t)

	// make sure the accepted conns match the clients
	one := make([]byte, 1)
	srvA.SetReadDeadline(time.Now().Add(bound))
	if _, err := io.ReadFull(srvA, one); err != nil || one[0] != 'a' {
		t.Fatalf("pair A upstream: %q %v", one, err)
	}
	srvB.SetReadDeadline(time.Now().Add(bound))
	if _, err := io.ReadFull(srvB, one); err != nil || one[0] != 'b' {
		t.Fatalf("pair B upstream: %q %v", one, err)
	}

	// tear A down from both ends
	srvA.(*net.TCPConn).SetLinger(0)
	srvA.Close()
	a.Close()
	waitFor(t, "pair A teardown", func() bool { return len(l.Pairs()) == 1 })

	// B still forwards both ways
	if err := b.WriteMessage(websocket.BinaryMessage, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len("still here"))
	if _, err := io.ReadFull(srvB, got); err != nil || string(got) != "still here" {
		t.Fatalf("pair B upstream: %q %v", got, err)
	}
	srvB.Write([]byte("ack"))
	b.SetReadDeadline(time.Now().Add(bound))
	if _, msg, err := b.ReadMessage(); err != nil || string(msg) != "ack" {
		t.Fatalf("pair B client: %q %v", msg, err)
	}
	if info := l.Pairs(); info[0].State != "active" {
		t.Errorf("pair B state = %s", info[0].State)
	}
}

func TestPair_TextFrames(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr(), func(c *ListenerConfig) { c.Pair.TextFrames = true })
	client := dialBridge(t, l)
	srv := up.accept(t)

	srv.Write([]byte("hello"))
	client.SetReadDeadline(time.Now().Add(bound))
	typ, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.TextMessage || string(msg) != "hello" {
		t.Errorf("got type %d %q, want text hello", typ, msg)
	}
}

func TestPair_KeepalivePings(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr(), func(c *ListenerConfig) { c.Pair.PingInterval = 50 * time.Millisecond })
	client := dialBridge(t, l)
	up.accept(t)

	pings := make(chan struct{}, 1)
	client.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return client.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(bound):
			t.Fatalf("only %d pings received", i)
		}
	}
	// answered pings keep the pair alive well past 2x the interval
	time.Sleep(300 * time.Millisecond)
	if ps := l.Pairs(); len(ps) != 1 || ps[0].State != "active" {
		t.Fatalf("pairs = %+v, want one active", ps)
	}
}

func TestPair_SilentClientTimesOut(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr(), func(c *ListenerConfig) { c.Pair.PingInterval = 30 * time.Millisecond })
	dialBridge(t, l) // never reads, so pings go unanswered
	srv := up.accept(t)

	srv.SetReadDeadline(time.Now().Add(bound))
	if _, err := srv.Read(make([]byte, 1)); !util.IsExpectedCloseError(err) {
		t.Fatalf("upstream read = %v, want the leg closed", err)
	}
	waitFor(t, "pair teardown", func() bool { return col.ActivePairs() == 0 })
}

func TestPair_ShutdownWhileConnecting(t *testing.T) {
	col := metrics.New()
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0", Path: "/", Upstream: "upstream:1",
		Pair: Options{CloseGrace: time.Second}}, stallDialer{}, col, quietLogger())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	client := dialBridge(t, l)
	waitFor(t, "pair registered", func() bool { return len(l.Pairs()) == 1 })
	if st := l.Pairs()[0].State; st != "connecting" {
		t.Fatalf("state = %s, want connecting", st)
	}

	go l.Stop()
	_, err := readUntilClose(t, client)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err = %v, want close 1001", err)
	}
	l.Wait()
	waitFor(t, "pair teardown", func() bool { return col.ActivePairs() == 0 })
	if col.ConnectFailures() != 0 {
		t.Errorf("shutdown counted as %d connect failures", col.ConnectFailures())
	}
}

func TestListener_StopDrainsPairs(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr())

	var closes []chan error
	for i := 0; i < 2; i++ {
		c := dialBridge(t, l)
		up.accept(t)
		ch := make(chan error, 1)
		go func() {
			_, err := readUntilClose(t, c)
			ch <- err
		}()
		closes = append(closes, ch)
	}
	waitFor(t, "two active pairs", func() bool { return col.ActivePairs() == 2 })

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(bound):
		t.Fatal("Stop did not return")
	}

	for _, ch := range closes {
		if err := <-ch; !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("client saw %v, want close 1001", err)
		}
	}
	if n := len(l.Pairs()); n != 0 {
		t.Errorf("%d pairs left after Stop", n)
	}
	if col.ActivePairs() != 0 {
		t.Errorf("active pairs = %d after Stop", col.ActivePairs())
	}
	if l.Ready() {
		t.Error("stopped listener reports ready")
	}
}

func TestListener_MaxPairs(t *testing.T) {
	up := newUpstream(t)
	l, col := startBridge(t, up.addr(), func(c *ListenerConfig) { c.MaxPairs = 1 })

	dialBridge(t, l)
	up.accept(t)

	_, resp, err := websocket.DefaultDialer.Dial(util.WebSocketURL(l.Addr(), "/"), nil)
	if err == nil {
		t.Fatal("second client should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
	if col.RejectedTotal() != 1 {
		t.Errorf("rejected = %d, want 1", col.RejectedTotal())
	}
}

func TestListener_Paths(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr(), func(c *ListenerConfig) { c.Path = "/ws" })
	base := "http://" + l.Addr().String()

	resp, err := http.Get(base + "/other")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/other = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(base + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("plain GET /ws = %d, want 400", resp.StatusCode)
	}

	c, _, err := websocket.DefaultDialer.Dial(util.WebSocketURL(l.Addr(), "/ws"), nil)
	if err != nil {
		t.Fatalf("upgrade on /ws: %v", err)
	}
	c.Close()
}

func TestListener_Origins(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr(), func(c *ListenerConfig) {
		c.AllowedOrigins = []string{"https://app.example"}
	})
	url := util.WebSocketURL(l.Addr(), "/")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("foreign origin should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	c.Close()
}

func TestListener_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	l := NewListener(ListenerConfig{Addr: busy.Addr().String(), Upstream: "127.0.0.1:1"},
		&transport.TCPDialer{}, nil, quietLogger())
	err = l.Start(context.Background())
	var ne *ncerr.NetworkError
	if !errors.As(err, &ne) || ne.Op != "listen" {
		t.Fatalf("err = %v, want NetworkError{Op: listen}", err)
	}
	if l.Ready() {
		t.Error("listener that failed to bind reports ready")
	}
}

func TestListener_StartTwice(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	if err := l.Start(context.Background()); !errors.Is(err, ncerr.ErrListenerStarted) {
		t.Errorf("second Start = %v, want ErrListenerStarted", err)
	}
	if !l.Ready() {
		t.Error("running listener should be ready")
	}
}

func TestListener_NotReadyOnceServingEnds(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	if !l.Ready() {
		t.Fatal("running listener should be ready")
	}

	// Serve returns on its own when the socket goes away.
	l.mu.Lock()
	l.ln.Close()
	l.mu.Unlock()

	waitFor(t, "serve loop exit", func() bool { return !l.Ready() })
	l.Wait()
}

func TestListener_PairsSnapshot(t *testing.T) {
	up := newUpstream(t)
	l, _ := startBridge(t, up.addr())
	dialBridge(t, l)
	up.accept(t)
	dialBridge(t, l)
	up.accept(t)

	waitFor(t, "two pairs", func() bool { return len(l.Pairs()) == 2 })
	ps := l.Pairs()
	if ps[0].ID >= ps[1].ID {
		t.Errorf("pairs not ordered by id: %d, %d", ps[0].ID, ps[1].ID)
	}
	if ps[0].Upstream != up.addr() || !strings.HasPrefix(ps[0].Remote, "127.0.0.1:") {
		t.Errorf("info = %+v", ps[0])
	}
	if _, ok := l.LivePairs().([]PairInfo); !ok {
		t.Error("LivePairs should return []PairInfo")
	}
}
