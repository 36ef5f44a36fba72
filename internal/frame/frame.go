// Package frame implements the Framed Connection: length-prefixed message
// framing over any bidirectional byte stream, with ping/idle supervision,
// an ordered send queue, and graceful vs abortive close.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/shutdown"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

// MaxFrameSize is the hard ceiling on a single frame's payload length,
// shared by the framing layer and the message codec.
const MaxFrameSize = 1 << 20 // 1 MiB

const lengthPrefixSize = 4

// ErrProtocol reports a framing violation: an oversize declared length or
// any other structural inconsistency in the byte stream.
var ErrProtocol = errors.New("frame: protocol error")

// ErrTimeout reports that the idle timer elapsed with no inbound frame.
var ErrTimeout = errors.New("frame: timeout")

// ErrClosed is returned by Send/Receive once the connection has shut down.
var ErrClosed = errors.New("frame: connection closed")

// CloseMode selects how Close tears down the connection.
type CloseMode int

const (
	// CloseGraceful drains the send queue, half-closes the write side,
	// and waits (bounded by DrainDeadline in Close) for the peer's EOF.
	CloseGraceful CloseMode = iota
	// CloseAbortive resets the connection immediately, linger 0 where
	// the underlying stream supports it.
	CloseAbortive
)

// Stream is the capability set a Framed Connection needs from its
// transport. Raw TCP, crypto/tls, and gorilla/websocket adapters all
// implement it; the Framed Connection never branches on which one is in
// use.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseWrite shuts down only the write half, so the peer observes
	// EOF while this side can still read. Transports that cannot half
	// close (e.g. a websocket data-message stream) may implement it as
	// a no-op; graceful close then degrades to waiting for the peer to
	// close its side too.
	CloseWrite() error
}

type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

type linger0Setter interface {
	SetLinger(sec int) error
}

// Options configures ping/idle supervision and framing limits.
type Options struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	MaxFrameSize uint32
	// UseSendQueue enables the asynchronous, non-blocking send path
	// (recommended). Disabling it makes Send write inline and block
	// until the frame has been handed to the stream.
	UseSendQueue bool
	// DrainDeadline bounds how long graceful close waits for the peer's
	// EOF after this side half-closes.
	DrainDeadline time.Duration
}

// DefaultOptions returns the timeouts fixed by the protocol: 30s ping
// interval, 120s idle timeout, 1 MiB max frame, send queue enabled, 2s
// drain deadline.
func DefaultOptions() Options {
	return Options{
		PingInterval:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		MaxFrameSize:  MaxFrameSize,
		UseSendQueue:  true,
		DrainDeadline: 2 * time.Second,
	}
}

// Conn is one Framed Connection: a length-prefixed message stream with
// ping/idle supervision layered over an arbitrary Stream.
type Conn struct {
	shutdown.Helper

	stream Stream
	log    *telemetry.Logger
	opts   Options

	recvCh  chan []byte
	recvErr atomic.Value // error

	sendCh  chan []byte
	sendMu  sync.Mutex // serializes inline sends when UseSendQueue is false
	writeWG sync.WaitGroup

	lastSendNano atomic.Int64
}

// New wraps stream in a Framed Connection and starts its reader, writer,
// and ping-supervision goroutines. log is forked for this connection's
// lifetime; the caller retains ownership of the parent logger.
func New(stream Stream, log *telemetry.Logger, opts Options) *Conn {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = MaxFrameSize
	}
	c := &Conn{
		stream: stream,
		log:    log,
		opts:   opts,
		recvCh: make(chan []byte),
		sendCh: make(chan []byte, 64),
	}
	c.Helper.Init(log, c)
	c.lastSendNano.Store(nowNano())

	go c.readLoop()
	if opts.UseSendQueue {
		c.writeWG.Add(1)
		go c.writeLoop()
	}
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// HandleOnceShutdown implements shutdown.OnceHandler: it closes the
// underlying stream exactly once.
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	err := c.stream.Close()
	if completionErr != nil {
		return completionErr
	}
	if err != nil {
		return fmt.Errorf("frame: close: %w", err)
	}
	return nil
}

// Receive returns the next complete frame's payload. A zero-length frame
// (a ping) is consumed internally and never surfaced here. Returns
// io.EOF when the peer has cleanly closed, or the error recorded by the
// reader loop (ErrProtocol, ErrTimeout, or a wrapped I/O error).
func (c *Conn) Receive() ([]byte, error) {
	payload, ok := <-c.recvCh
	if !ok {
		if v := c.recvErr.Load(); v != nil {
			return nil, v.(error)
		}
		return nil, io.EOF
	}
	return payload, nil
}

// Send enqueues one frame for transmission. With the send queue enabled
// this is non-blocking (bounded by the queue's capacity backpressure);
// otherwise it writes inline and blocks until handed to the stream.
func (c *Conn) Send(payload []byte) error {
	if uint32(len(payload)) > c.opts.MaxFrameSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds max frame size %d", ErrProtocol, len(payload), c.opts.MaxFrameSize)
	}
	frame := encodeFrame(payload)

	if c.opts.UseSendQueue {
		select {
		case c.sendCh <- frame:
			return nil
		case <-c.StartedChan():
			return ErrClosed
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeFrame(frame)
}

// Close tears down the connection according to mode and returns the
// connection's final status.
func (c *Conn) Close(mode CloseMode) error {
	if mode == CloseAbortive {
		c.setLinger0()
		return c.Shutdown(nil)
	}
	return c.closeGraceful()
}

func (c *Conn) closeGraceful() error {
	if c.opts.UseSendQueue {
		close(c.sendCh)
		c.writeWG.Wait()
	}
	if err := c.stream.CloseWrite(); err != nil {
		c.log.Debugf("closeGraceful: CloseWrite: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			if _, err := c.Receive(); err != nil {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(c.opts.DrainDeadline):
		c.log.Debugf("closeGraceful: drain deadline exceeded, closing")
	}
	return c.Shutdown(nil)
}

func (c *Conn) setLinger0() {
	if l, ok := c.stream.(linger0Setter); ok {
		_ = l.SetLinger(0)
	}
}

func (c *Conn) readLoop() {
	defer close(c.recvCh)
	br := bufio.NewReaderSize(c.stream, 32*1024)
	var lenBuf [lengthPrefixSize]byte

	for {
		c.resetReadDeadline()
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			c.failRead(mapReadErr(err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > c.opts.MaxFrameSize {
			c.failRead(fmt.Errorf("%w: declared frame length %d exceeds max %d", ErrProtocol, n, c.opts.MaxFrameSize))
			return
		}
		if n == 0 {
			continue // ping: already reset the idle deadline above
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			c.failRead(mapReadErr(err))
			return
		}
		select {
		case c.recvCh <- payload:
		case <-c.StartedChan():
			return
		}
	}
}

func (c *Conn) resetReadDeadline() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	if ds, ok := c.stream.(deadlineSetter); ok {
		_ = ds.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}

func mapReadErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("frame: read: %w", err)
}

func (c *Conn) failRead(err error) {
	c.recvErr.Store(err)
	if !errors.Is(err, io.EOF) {
		c.StartShutdown(err)
	} else {
		c.StartShutdown(nil)
	}
}

func (c *Conn) writeLoop() {
	defer c.writeWG.Done()
	for frame := range c.sendCh {
		if err := c.writeFrame(frame); err != nil {
			c.log.Debugf("writeLoop: %v", err)
			c.StartShutdown(fmt.Errorf("frame: write: %w", err))
			return
		}
	}
}

func (c *Conn) writeFrame(frame []byte) error {
	c.lastSendNano.Store(nowNano())
	_, err := c.stream.Write(frame)
	return err
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastSendNano.Load())
			if time.Since(last) >= c.opts.PingInterval {
				if err := c.Send(nil); err != nil {
					return
				}
			}
		case <-c.StartedChan():
			return
		}
	}
}

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	return frame
}

func nowNano() int64 {
	return time.Now().UnixNano()
}
