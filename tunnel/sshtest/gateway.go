// Package sshtest runs an in-process SSH gateway for tests.  It accepts
// a single client public key and serves "direct-tcpip" channels by
// dialling the requested target from the gateway's side.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// User is the only login the gateway accepts.
const User = "bridge"

// Gateway is a minimal SSH server supporting port forwarding.
type Gateway struct {
	ln     net.Listener
	config *ssh.ServerConfig

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
	wg    sync.WaitGroup

	// Channels counts accepted direct-tcpip channels.
	Channels atomic.Int64
	// Keepalives counts keepalive@openssh.com requests.
	Keepalives atomic.Int64
}

// WriteClientKey generates an ed25519 key pair, writes the private half
// in OpenSSH format under dir and returns its path and public key.
func WriteClientKey(t testing.TB, dir string) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "wsbridge test")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return path, sshPub
}

// New starts a gateway on 127.0.0.1 that authorises clientKey for
// [User].  It is closed when the test ends.
func New(t testing.TB, clientKey ssh.PublicKey) *Gateway {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	authorised := string(clientKey.Marshal())
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == User && string(key.Marshal()) == authorised {
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &Gateway{ln: ln, config: cfg, conns: make(map[*ssh.ServerConn]struct{})}
	g.wg.Add(1)
	go g.serve()
	t.Cleanup(g.Close)
	return g
}

// Addr returns the gateway's host:port.
func (g *Gateway) Addr() string { return g.ln.Addr().String() }

// Port returns the gateway's TCP port.
func (g *Gateway) Port() int {
	_, p, _ := net.SplitHostPort(g.Addr())
	n, _ := strconv.Atoi(p)
	return n
}

// DropConnections closes every live SSH connection, leaving the
// listener up so clients can reconnect.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.Close()
	}
}

// Close stops accepting and drops every connection.
func (g *Gateway) Close() {
	g.ln.Close()
	g.DropConnections()
	g.wg.Wait()
}

func (g *Gateway) serve() {
	defer g.wg.Done()
	for {
		tcpConn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.wg.Add(1)
		go g.handle(tcpConn)
	}
}

func (g *Gateway) handle(tcpConn net.Conn) {
	defer g.wg.Done()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, g.config)
	if err != nil {
		tcpConn.Close()
		return
	}
	g.mu.Lock()
	g.conns[sshConn] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, sshConn)
		g.mu.Unlock()
	}()

	go func() {
		for req := range reqs {
			if req.Type == "keepalive@openssh.com" {
				g.Keepalives.Add(1)
				req.Reply(true, nil)
				continue
			}
			req.Reply(false, nil)
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "only direct-tcpip is supported")
			continue
		}
		go g.forward(nc)
	}
}

// directTCPIP is the RFC 4254 §7.2 channel payload.
type directTCPIP struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func (g *Gateway) forward(nc ssh.NewChannel) {
	var req directTCPIP
	if err := ssh.Unmarshal(nc.ExtraData(), &req); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, chReqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	g.Channels.Add(1)
	go ssh.DiscardRequests(chReqs)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, target)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	target.Close()
}
