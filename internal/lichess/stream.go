package lichess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamIdle is returned by Next when nothing, not even a keepalive,
	// arrived for the idle timeout.
	ErrStreamIdle = errors.New("stream idle")
)

// DefaultStreamIdle is well above the server's keepalive period.
const DefaultStreamIdle = 30 * time.Second

// Stream yields non-empty ndjson lines. Blank keepalive lines are dropped but
// count as activity. A single goroutine owns the body reader; Close takes
// effect at the next line.
type Stream struct {
	lines chan []byte
	done  chan struct{}
	err   error

	idle     time.Duration
	lastRead atomic.Int64

	closeOnce sync.Once
}

// NewStream wraps any line-oriented reader. release runs once the reader is
// finished with and may be nil. idle <= 0 disables the idle check.
func NewStream(r io.Reader, release func(), idle time.Duration) *Stream {
	s := &Stream{
		lines: make(chan []byte, 16),
		done:  make(chan struct{}),
		idle:  idle,
	}
	s.lastRead.Store(time.Now().UnixNano())
	go s.pump(r, release)
	return s
}

func (s *Stream) pump(r io.Reader, release func()) {
	defer func() {
		if release != nil {
			release()
		}
	}()
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.lastRead.Store(time.Now().UnixNano())
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			out := append([]byte(nil), trimmed...)
			select {
			case s.lines <- out:
			case <-s.done:
				s.err = ErrStreamClosed
				close(s.lines)
				return
			}
		}
		if err != nil {
			s.err = err
			close(s.lines)
			return
		}
		select {
		case <-s.done:
			s.err = ErrStreamClosed
			close(s.lines)
			return
		default:
		}
	}
}

// Next blocks for the next line. io.EOF means the server ended the stream.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.idle > 0 {
		t := time.NewTimer(s.idle)
		defer t.Stop()
		for {
			select {
			case line, ok := <-s.lines:
				return s.deliver(line, ok)
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.done:
				return nil, ErrStreamClosed
			case <-t.C:
			}
			quiet := time.Since(time.Unix(0, s.lastRead.Load()))
			if quiet < s.idle {
				t.Reset(s.idle - quiet)
				continue
			}
			select {
			case line, ok := <-s.lines:
				return s.deliver(line, ok)
			default:
			}
			_ = s.Close()
			return nil, fmt.Errorf("%w: nothing received for %s", ErrStreamIdle, quiet.Round(time.Millisecond))
		}
	}
	select {
	case line, ok := <-s.lines:
		return s.deliver(line, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrStreamClosed
	}
}

func (s *Stream) deliver(line []byte, ok bool) ([]byte, error) {
	if !ok {
		return nil, s.err
	}
	return line, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// openStream sends the request and waits for the response headers, bounded
// by ctx and the client timeout. The body is then handed to a Stream.
func (c *Client) openStream(ctx context.Context, path string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	c.prepare(req, fasthttp.MethodGet, path)
	req.Header.Set("Accept", "application/x-ndjson")
	req.SetConnectionClose()

	result := make(chan error, 1)
	go func() { result <- c.stream.Do(req, resp) }()

	headers := time.NewTimer(time.Until(c.computeDeadline(ctx)))
	defer headers.Stop()
	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	case <-headers.C:
		err = fasthttp.ErrTimeout
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			err = context.DeadlineExceeded
		}
	}
	if err != nil {
		select {
		case doErr := <-result:
			discard(req, resp, doErr)
		default:
			// Do is still pending; the idle read deadline on the connection
			// bounds how long it can stay that way.
			go func() { discard(req, resp, <-result) }()
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	fasthttp.ReleaseRequest(req)

	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		apiErr := &APIError{Status: status, Body: truncate(string(resp.Body()), 512)}
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
		return nil, apiErr
	}

	body := resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(append([]byte(nil), resp.Body()...))
	}
	return NewStream(body, func() {
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
	}, c.streamIdle), nil
}

func discard(req *fasthttp.Request, resp *fasthttp.Response, doErr error) {
	if doErr == nil {
		_ = resp.CloseBodyStream()
	}
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)
}

// idleConn pushes the read deadline forward before every read, so a peer that
// goes silent fails the read instead of blocking it forever.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func idleDial(dial fasthttp.DialFunc, idle time.Duration) fasthttp.DialFunc {
	return func(addr string) (net.Conn, error) {
		conn, err := dial(addr)
		if err != nil || idle <= 0 {
			return conn, err
		}
		return &idleConn{Conn: conn, idle: idle}, nil
	}
}
