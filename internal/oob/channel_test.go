// internal/oob/channel_test.go
package oob

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OsbornePro/PairLink/internal/token"
)

type fakePeers int

func (f fakePeers) BondedCount() int { return int(f) }

// outcome collects callback fires with room to spot extras.
func outcome() (Callback, chan *token.Token) {
	ch := make(chan *token.Token, 4)
	return func(tok *token.Token) { ch <- tok }, ch
}

func testConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:0",
		AcceptTimeout: 5 * time.Second,
		Format:        token.FormatRaw,
		Peers:         fakePeers(1),
	}
}

func waitAddr(t *testing.T, c *Channel) net.Addr {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := c.Addr(); a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener never came up")
	return nil
}

func waitIdle(t *testing.T, c *Channel) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel never returned to idle (state=%s)", c.State())
}

func expectSuccess(t *testing.T, results chan *token.Token, want string) {
	t.Helper()
	select {
	case tok := <-results:
		if tok == nil {
			t.Fatalf("callback fired with failure, want token %q", want)
		}
		if string(tok.Bytes) != want {
			t.Fatalf("token=%q want %q", tok.Bytes, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("callback never fired")
	}
}

func expectFailure(t *testing.T, results chan *token.Token) {
	t.Helper()
	select {
	case tok := <-results:
		if tok != nil {
			t.Fatalf("callback fired with token %q, want failure", tok.Bytes)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("callback never fired")
	}
}

func expectNoCallback(t *testing.T, results chan *token.Token) {
	t.Helper()
	select {
	case tok := <-results:
		t.Fatalf("unexpected callback (tok=%v)", tok)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRawTokenDelivered(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	addr := waitAddr(t, c)
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Exact on-the-wire bytes of the interop contract.
	if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectSuccess(t, results, "hello")
	expectNoCallback(t, results)
	waitIdle(t, c)
}

func TestZeroBondedPeersFailsWithoutListening(t *testing.T) {
	cfg := testConfig()
	cfg.Peers = fakePeers(0)
	cb, results := outcome()
	c := New(cfg, cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	expectFailure(t, results)
	if a := c.Addr(); a != nil {
		t.Fatalf("listener was opened (%s) despite zero bonded peers", a)
	}
	waitIdle(t, c)
}

func TestShortPayloadFails(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Declare 100 bytes, send 10, close.
	if _, err := conn.Write(append([]byte{100, 0, 0, 0}, []byte("0123456789")...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectFailure(t, results)
	waitIdle(t, c)
}

func TestStopDuringAcceptSuppressesCallback(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := waitAddr(t, c)

	c.Stop()

	expectNoCallback(t, results)
	waitIdle(t, c)

	// Listener was released: new dials must fail.
	if conn, err := net.DialTimeout("tcp", addr.String(), 500*time.Millisecond); err == nil {
		conn.Close()
		t.Fatalf("dial succeeded after stop; listener not released")
	}
}

func TestStopDuringReadSuppressesCallback(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the worker to block in the frame read, then cancel.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateReadingFrame {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	expectNoCallback(t, results)
	waitIdle(t, c)
}

func TestStructuredDecodeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Format = token.FormatStructured
	cb, results := outcome()
	c := New(cfg, cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Full byte count arrives, but it is not a valid envelope.
	if _, err := conn.Write(EncodeFrame([]byte("not-an-envelope"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectFailure(t, results)
	waitIdle(t, c)
}

func TestStructuredTokenDelivered(t *testing.T) {
	cfg := testConfig()
	cfg.Format = token.FormatStructured
	cb, results := outcome()
	c := New(cfg, cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	env, err := token.EncodeStructured([]byte("verify-me"))
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(EncodeFrame(env)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectSuccess(t, results, "verify-me")
	waitIdle(t, c)
}

func TestAcceptTimeoutFails(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptTimeout = 100 * time.Millisecond
	cb, results := outcome()
	c := New(cfg, cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	expectFailure(t, results)
	waitIdle(t, c)
}

func TestOversizeDeclaredLengthFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayload = 16
	cb, results := outcome()
	c := New(cfg, cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Declares 1000 bytes against a 16-byte limit.
	if _, err := conn.Write([]byte{0xE8, 0x03, 0x00, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	defer conn.Close()

	expectFailure(t, results)
	waitIdle(t, c)
}

func TestStopIdempotentAndSafeBeforeStart(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)

	c.Stop()
	c.Stop()

	expectNoCallback(t, results)
	if got := c.State(); got != StateIdle {
		t.Fatalf("state=%s want idle", got)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	cb, _ := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	waitAddr(t, c)

	if err := c.Start(); err != ErrNotIdle {
		t.Fatalf("second start: got %v want ErrNotIdle", err)
	}
}

func TestSetCallbackOnlyWhenIdle(t *testing.T) {
	c := New(testConfig(), nil)

	cb, results := outcome()
	if err := c.SetCallback(cb); err != nil {
		t.Fatalf("set callback while idle: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	waitAddr(t, c)

	if err := c.SetCallback(nil); err != ErrNotIdle {
		t.Fatalf("set callback while running: got %v want ErrNotIdle", err)
	}

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(EncodeFrame([]byte("late-bound"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectSuccess(t, results, "late-bound")
	waitIdle(t, c)
}

func TestExactlyOnceCallback(t *testing.T) {
	var fires int64
	c := New(testConfig(), func(tok *token.Token) {
		atomic.AddInt64(&fires, 1)
	})
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(EncodeFrame([]byte("once"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	waitIdle(t, c)
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt64(&fires); n != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", n)
	}
}

func TestChannelReusableAfterStop(t *testing.T) {
	cb, results := outcome()
	c := New(testConfig(), cb)
	if err := c.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitAddr(t, c)
	c.Stop()
	waitIdle(t, c)

	if err := c.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c.Stop()

	conn, err := net.Dial("tcp", waitAddr(t, c).String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(EncodeFrame([]byte("again"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	expectSuccess(t, results, "again")
	waitIdle(t, c)
}
