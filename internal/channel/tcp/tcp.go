// Package tcp is a stream transport for router frames. Each record on the
// wire is a u32 body length, one flag byte, and the body: a message frame,
// zstd-compressed when the flag says so. Message frames carry their own
// length, so the record header exists only to delimit and to mark
// compression.
package tcp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	recordHeaderSize = 5
	flagCompressed   = 0x01
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

var ErrFrameTooLarge = errors.New("tcp: frame exceeds limit")

// Options carries the transport tunables, normally filled from the channel
// configuration section.
type Options struct {
	Compress      bool
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int

	// TLS enables transport encryption when non-nil.
	TLS *tls.Config
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 16 << 20
	}
	return o
}

// Receiver consumes inbound frames. The router implements it; the second
// argument is the connection the frame arrived on, usable for replies.
type Receiver interface {
	Receive(frame []byte, from Conn)
}

// Conn is the channel surface a connection offers the router. Dialed
// connections need their ReadLoop pumped by the caller; accepted ones are
// pumped by the server.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	ReadLoop(ctx context.Context, recv Receiver, logger *zap.Logger)
	Close() error
}

type conn struct {
	c    net.Conn
	opts Options

	writeMu sync.Mutex
}

// Dial connects to a peer router's listener.
func Dial(addr string, opts Options) (Conn, error) {
	opts = opts.withDefaults()
	d := &net.Dialer{Timeout: opts.DialTimeout}
	var (
		c   net.Conn
		err error
	)
	if opts.TLS != nil {
		c, err = tls.DialWithDialer(d, "tcp", addr, opts.TLS)
	} else {
		c, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return &conn{c: c, opts: opts}, nil
}

func (cn *conn) Send(ctx context.Context, frame []byte) error {
	body := frame
	var flags byte
	if cn.opts.Compress {
		body = zstdEncoder.EncodeAll(frame, nil)
		flags |= flagCompressed
	}
	if len(body) > cn.opts.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	header[4] = flags

	deadline := time.Now().Add(cn.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if err := cn.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := cn.c.Write(header); err != nil {
		return fmt.Errorf("tcp: write header: %w", err)
	}
	if _, err := cn.c.Write(body); err != nil {
		return fmt.Errorf("tcp: write body: %w", err)
	}
	return nil
}

func (cn *conn) Close() error {
	return cn.c.Close()
}

// ReadLoop delivers inbound frames to recv until the connection breaks or
// ctx is done. It closes the connection on exit.
func (cn *conn) ReadLoop(ctx context.Context, recv Receiver, logger *zap.Logger) {
	defer cn.c.Close()
	go func() {
		<-ctx.Done()
		cn.c.Close()
	}()

	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(cn.c, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		n := binary.BigEndian.Uint32(header)
		if int(n) > cn.opts.MaxFrameBytes {
			logger.Warn("oversized record dropped, closing connection",
				zap.Uint32("length", n),
			)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(cn.c, body); err != nil {
			if ctx.Err() == nil {
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		frame := body
		if header[4]&flagCompressed != 0 {
			var err error
			if frame, err = zstdDecoder.DecodeAll(body, nil); err != nil {
				logger.Warn("bad compressed record", zap.Error(err))
				continue
			}
		}
		recv.Receive(frame, cn)
	}
}

// Server accepts peer connections and pumps their frames into a receiver.
type Server struct {
	ln     net.Listener
	opts   Options
	recv   Receiver
	logger *zap.Logger
	wg     sync.WaitGroup
}

// Listen binds the listener. Serve must be called to start accepting.
func Listen(addr string, opts Options, recv Receiver, logger *zap.Logger) (*Server, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		ln  net.Listener
		err error
	)
	if opts.TLS != nil {
		ln, err = tls.Listen("tcp", addr, opts.TLS)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, opts: opts, recv: recv, logger: logger}, nil
}

// Addr reports the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		cn := &conn{c: c, opts: s.opts}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			cn.ReadLoop(ctx, s.recv, s.logger)
		}()
	}
}

// Close stops the listener; in-flight connections drain through their read
// loops.
func (s *Server) Close() error {
	return s.ln.Close()
}
