package discovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// TCPSwarm is the listener-backed swarm used in production: probes are plain
// TCP connections to the advertised rendezvous port. DHT-style overlays can
// replace it behind the Swarm interface.
type TCPSwarm struct {
	ListenAddr string
	Logger     *slog.Logger
}

type tcpMembership struct {
	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Join binds the listener and serves every accepted connection to the
// handler until the membership is closed.
func (s *TCPSwarm) Join(topic [32]byte, handler func(conn net.Conn)) (Membership, error) {
	addr := s.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("joined discovery topic",
		slog.String("topic", hex.EncodeToString(topic[:8])),
		slog.String("addr", listener.Addr().String()))

	m := &tcpMembership{listener: listener, closed: make(chan struct{})}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-m.closed:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Debug("discovery accept failed", slog.String("error", err.Error()))
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				handler(conn)
			}()
		}
	}()
	return m, nil
}

func (m *tcpMembership) Addr() string {
	return m.listener.Addr().String()
}

func (m *tcpMembership) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.listener.Close()
		m.wg.Wait()
	})
	return err
}
