// Package peerlink speaks the internal framed protocol between the gateway
// and worker peers: uint32 big-endian length-prefixed frames over TCP, opened
// with a RELAY preamble naming the target relay.
package peerlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// MaxFrameSize bounds a single relay frame; anything larger is a
	// protocol violation.
	MaxFrameSize = 1 << 20

	preambleVerb = "RELAY"

	defaultDialTimeout = 5 * time.Second
)

var (
	// ErrFrameTooLarge indicates a length prefix beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("peerlink: frame too large")
	// ErrBadPreamble indicates a stream that did not open with RELAY.
	ErrBadPreamble = errors.New("peerlink: bad preamble")
)

// Stream is one framed connection. Read and write halves are independent:
// concurrent ReadFrame and WriteFrame calls are safe, and either half can be
// shut down without tearing the other.
type Stream struct {
	conn net.Conn
}

// Dial opens a framed stream to a worker peer and sends the RELAY preamble
// for the target relay key. The context bounds the dial and preamble write.
func Dial(ctx context.Context, addr, relayKey string) (*Stream, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerlink: dial %s: %w", addr, err)
	}
	stream := &Stream{conn: conn}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultDialTimeout))
	}
	if err := stream.WriteFrame([]byte(preambleVerb + " " + relayKey)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peerlink: send preamble: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return stream, nil
}

// Accept wraps an inbound connection, consumes the RELAY preamble, and
// returns the relay key the remote wants to reach.
func Accept(conn net.Conn) (*Stream, string, error) {
	stream := &Stream{conn: conn}
	frame, err := stream.ReadFrame()
	if err != nil {
		return nil, "", fmt.Errorf("peerlink: read preamble: %w", err)
	}
	verb, relayKey, found := strings.Cut(string(frame), " ")
	if !found || verb != preambleVerb || relayKey == "" {
		return nil, "", ErrBadPreamble
	}
	return stream, relayKey, nil
}

// WriteFrame sends one length-prefixed frame.
func (s *Stream) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(p)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	return err
}

// ReadFrame reads one length-prefixed frame.
func (s *Stream) ReadFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(s.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// CloseWrite half-closes the sending side when the transport supports it.
func (s *Stream) CloseWrite() error {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return nil
}

// CloseRead half-closes the receiving side when the transport supports it.
func (s *Stream) CloseRead() error {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		return tcp.CloseRead()
	}
	return nil
}

// Close tears the whole stream down.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// SetReadDeadline bounds the next ReadFrame.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// RemoteAddr names the peer end of the stream.
func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
