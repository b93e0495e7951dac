package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"interfacesvc/internal/packet"
)

// TCPConfig configures a TCPLink.
type TCPConfig struct {
	Name           string
	Address        string
	TargetNames    []string
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	AutoReconnect  bool
	ReconnectDelay time.Duration
	ReadAllowed    bool
	MaxFrameBytes  uint32
}

func (c TCPConfig) withDefaults() TCPConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 1 << 20
	}
	return c
}

// TCPLink is a length-prefix-framed Link over a single net.Conn,
// dialed fresh on every Connect. It is safe for concurrent use: Read
// runs on the Supervisor's loop goroutine while Write may be called
// concurrently from CmdWorker.
type TCPLink struct {
	cfg TCPConfig

	mu     sync.RWMutex
	conn   net.Conn
	closed int32
}

// NewTCPLink creates a TCPLink. The connection is not established until
// Connect is called.
func NewTCPLink(cfg TCPConfig) *TCPLink {
	cfg = cfg.withDefaults()
	return &TCPLink{cfg: cfg, closed: 1}
}

func (l *TCPLink) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return ErrAlreadyConnected
	}
	conn, err := net.DialTimeout("tcp", l.cfg.Address, l.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("link: tcp dial %s: %w", l.cfg.Address, err)
	}
	l.conn = conn
	atomic.StoreInt32(&l.closed, 0)
	return nil
}

func (l *TCPLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	atomic.StoreInt32(&l.closed, 1)
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *TCPLink) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil && atomic.LoadInt32(&l.closed) == 0
}

// Read blocks for the next framed packet. A clean EOF is reported as
// (nil, nil); any other read error is returned for classification by
// the caller.
func (l *TCPLink) Read() (*packet.Packet, error) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if l.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > l.cfg.MaxFrameBytes {
		return nil, fmt.Errorf("link: frame of %d bytes exceeds limit %d", n, l.cfg.MaxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	return packet.New(buf), nil
}

func (l *TCPLink) Write(data any) error {
	payload, err := payloadBytes(data)
	if err != nil {
		return err
	}
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

func (l *TCPLink) Name() string                  { return l.cfg.Name }
func (l *TCPLink) TargetNames() []string         { return append([]string(nil), l.cfg.TargetNames...) }
func (l *TCPLink) ReadAllowed() bool             { return l.cfg.ReadAllowed }
func (l *TCPLink) AutoReconnect() bool           { return l.cfg.AutoReconnect }
func (l *TCPLink) ReconnectDelay() time.Duration { return l.cfg.ReconnectDelay }

var _ Link = (*TCPLink)(nil)
