package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/wire"
)

const (
	DefaultMaxReportBytes = 4 << 20
	DefaultReadTimeout    = 10 * time.Second
)

var ErrReportTooLarge = errors.New("report exceeds size limit")

// TCPListener accepts pushed reports. A collector connects, writes one
// encoded report and closes its write side; the listener reads to EOF,
// submits the report and answers with a JSON ack.
type TCPListener struct {
	endpoint    *Endpoint
	maxBytes    int64
	readTimeout time.Duration
	tlsConfig   *tls.Config
	log         logger.Logger
}

// TCPOptions configures a TCPListener.
type TCPOptions struct {
	MaxReportBytes int64
	ReadTimeout    time.Duration
	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config
	Logger    logger.Logger
}

// NewTCPListener creates a listener feeding endpoint.
func NewTCPListener(endpoint *Endpoint, opts TCPOptions) *TCPListener {
	if opts.MaxReportBytes <= 0 {
		opts.MaxReportBytes = DefaultMaxReportBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &TCPListener{
		endpoint:    endpoint,
		maxBytes:    opts.MaxReportBytes,
		readTimeout: opts.ReadTimeout,
		tlsConfig:   opts.TLSConfig,
		log:         opts.Logger.WithComponent("tcp-ingest"),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (l *TCPListener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for
// in-flight connections to finish.
func (l *TCPListener) Serve(ctx context.Context, ln net.Listener) error {
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.log.Info().Str("addr", ln.Addr().String()).Bool("tls", l.tlsConfig != nil).Msg("Accepting pushed reports")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *TCPListener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	deadline := time.Now().Add(l.readTimeout)
	_ = conn.SetDeadline(deadline)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	remote := conn.RemoteAddr().String()

	data, err := io.ReadAll(io.LimitReader(conn, l.maxBytes+1))
	if err != nil {
		l.log.Warn().Str("remote", remote).Err(err).Msg("Failed to read report")
		return
	}
	if int64(len(data)) > l.maxBytes {
		// Drain until the client half-closes so the ack is not lost to a reset.
		_, _ = io.Copy(io.Discard, conn)
		l.reply(conn, wire.Ack{Status: wire.StatusInvalid, Error: ErrReportTooLarge.Error()})
		l.log.Warn().Str("remote", remote).Int64("limit", l.maxBytes).Msg("Report too large")
		return
	}

	report, format, err := wire.Decode(data)
	if err != nil {
		l.reply(conn, wire.Ack{Status: wire.StatusInvalid, Error: err.Error()})
		l.log.Warn().Str("remote", remote).Err(err).Msg("Failed to decode report")
		return
	}

	err = l.endpoint.Submit(ctx, report)
	l.reply(conn, Ack(err))

	l.log.Debug().
		Str("remote", remote).
		Str("collector", string(report.Identity)).
		Str("format", format.String()).
		Int("bytes", len(data)).
		AnErr("result", err).
		Msg("Pushed report handled")
}

func (l *TCPListener) reply(conn net.Conn, ack wire.Ack) {
	data, _ := json.Marshal(ack)
	if _, err := conn.Write(append(data, '\n')); err != nil {
		l.log.Debug().Err(err).Msg("Failed to send ack")
	}
}
