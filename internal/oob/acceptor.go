// internal/oob/acceptor.go
package oob

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptOne waits for exactly one peer connection.
//
// The eligibility check runs before anything is opened, so the zero-peer
// case allocates nothing and needs no cleanup. The listener is registered
// in the shared channel fields under the mutex so a concurrent Stop can
// force-close it; once a connection is accepted the listener is released
// immediately since no further connections are taken.
func (c *Channel) acceptOne() (net.Conn, error) {
	if src := c.cfg.Peers; src != nil && src.BondedCount() == 0 {
		return nil, ErrNoBondedPeers
	}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", c.cfg.ListenAddr, err)
	}

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		_ = ln.Close()
		return nil, errCancelled
	}
	c.ln = ln
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"service": ServiceName,
		"id":      c.cfg.ServiceID,
		"addr":    ln.Addr().String(),
	}).Info("OOB listener registered")

	if tl, ok := ln.(*net.TCPListener); ok && c.cfg.AcceptTimeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(c.cfg.AcceptTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		c.releaseListener()
		if c.isCancelled() {
			return nil, errCancelled
		}
		return nil, fmt.Errorf("accept: %w", err)
	}

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		_ = conn.Close()
		c.releaseListener()
		return nil, errCancelled
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.releaseListener()
	c.log.Infof("OOB peer connected from %s", conn.RemoteAddr())
	return conn, nil
}

func (c *Channel) releaseListener() {
	c.mu.Lock()
	if c.ln != nil {
		_ = c.ln.Close()
		c.ln = nil
	}
	c.mu.Unlock()
}
