// Package mtls pushes collector reports to the aggregator over TCP, with
// optional mutual TLS.
package mtls

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/wire"
)

// ErrNotAccepted is returned when the aggregator answers with an ack that is
// neither accepted nor stale.
var ErrNotAccepted = errors.New("report not accepted")

// Options configures a Client.
type Options struct {
	Format wire.Format
	// Timeout bounds one connection, from dial to ack.
	Timeout    time.Duration
	MaxRetries uint64
	Logger     logger.Logger
}

// Client pushes reports to the aggregator's TCP listener. Each push uses a
// fresh connection: write the report, half-close, read one JSON ack line.
type Client struct {
	addr      string
	tlsConfig *tls.Config
	opts      Options
	log       logger.Logger
}

// NewClient creates a plain TCP client.
func NewClient(addr string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &Client{addr: addr, opts: opts, log: opts.Logger.WithComponent("push")}
}

// NewTLSClient creates a client authenticating with cert against rootCAs.
func NewTLSClient(addr string, cert tls.Certificate, rootCAs *x509.CertPool, opts Options) *Client {
	c := NewClient(addr, opts)
	c.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}
	return c
}

// Push sends r and returns the aggregator's ack. Connection failures and
// retryable acks are retried with backoff; any other ack is final.
func (c *Client) Push(ctx context.Context, r wire.Report) (wire.Ack, error) {
	data, err := wire.Encode(c.opts.Format, r)
	if err != nil {
		return wire.Ack{}, fmt.Errorf("encode report: %w", err)
	}

	var ack wire.Ack
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	operation := func() error {
		var perr error
		ack, perr = c.send(ctx, data)
		if perr != nil {
			c.log.Debug().Str("addr", c.addr).Err(perr).Msg("Push attempt failed")
			return perr
		}
		if ack.Retryable() {
			return fmt.Errorf("%w: %s: %s", ErrNotAccepted, ack.Status, ack.Error)
		}
		if !ack.OK() {
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrNotAccepted, ack.Status, ack.Error))
		}
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx))
	return ack, err
}

func (c *Client) send(ctx context.Context, data []byte) (wire.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return wire.Ack{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(data); err != nil {
		return wire.Ack{}, fmt.Errorf("write report: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return wire.Ack{}, fmt.Errorf("close write: %w", err)
		}
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return wire.Ack{}, fmt.Errorf("read ack: %w", err)
	}

	var ack wire.Ack
	if err := json.Unmarshal(line, &ack); err != nil {
		return wire.Ack{}, fmt.Errorf("parse ack: %w", err)
	}
	return ack, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.tlsConfig == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}
		return conn, nil
	}

	d := tls.Dialer{Config: c.tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("TLS dial %s: %w", c.addr, err)
	}
	return conn, nil
}
