package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/e3-lab/beammon/internal/monitoring"
)

// ErrTransportClosed is returned by Recv once the transport is closed.
var ErrTransportClosed = errors.New("command: transport closed")

// Transport carries newline-free command strings in and reply lines out.
type Transport interface {
	// Recv blocks until a command arrives.
	Recv(ctx context.Context) (string, error)
	// TryRecv returns a pending command without blocking.
	TryRecv() (string, bool)
	// Send delivers one reply line. It is safe from any goroutine.
	Send(line string) error
}

const (
	lineQueue    = 16
	writeTimeout = 5 * time.Second
)

// LineServer is a TCP Transport speaking newline-delimited UTF-8. It talks
// to one peer at a time; a new connection replaces the previous one.
type LineServer struct {
	addr     string
	listener net.Listener

	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	peer net.Conn

	// writeMu serialises writes without holding mu, so a stalled peer
	// can still be replaced or closed.
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewLineServer creates a server for addr. Call Start to bind.
func NewLineServer(addr string) *LineServer {
	return &LineServer{
		addr:   addr,
		lines:  make(chan string, lineQueue),
		closed: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting peers.
func (s *LineServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	monitoring.Logf("[Command] listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *LineServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *LineServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			monitoring.Logf("[Command] accept failed: %v", err)
			return
		}

		s.mu.Lock()
		if s.peer != nil {
			monitoring.Logf("[Command] replacing peer %s with %s", s.peer.RemoteAddr(), conn.RemoteAddr())
			s.peer.Close()
		} else {
			monitoring.Logf("[Command] peer %s connected", conn.RemoteAddr())
		}
		s.peer = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readLoop(conn)
		}()
	}
}

func (s *LineServer) readLoop(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		if s.peer == conn {
			s.peer = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.closed:
			return
		}
	}
	if err := scan.Err(); err != nil {
		monitoring.Debugf("[Command] peer %s: %v", conn.RemoteAddr(), err)
	}
}

// Recv implements Transport.
func (s *LineServer) Recv(ctx context.Context) (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-s.closed:
		return "", ErrTransportClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TryRecv implements Transport.
func (s *LineServer) TryRecv() (string, bool) {
	select {
	case line := <-s.lines:
		return line, true
	default:
		return "", false
	}
}

// Send implements Transport. Without a peer the line is dropped.
func (s *LineServer) Send(line string) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		monitoring.Debugf("[Command] no peer, dropping %q", line)
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := peer.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := peer.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendAll sends each line in order and logs failures.
func (s *LineServer) SendAll(lines ...string) {
	for _, l := range lines {
		if err := s.Send(l); err != nil {
			monitoring.Logf("[Command] %v", err)
			return
		}
	}
}

// Close stops accepting, drops the peer and wakes Recv.
func (s *LineServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		if s.peer != nil {
			s.peer.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
