package link

import (
	"fmt"
	"net"
	"sync"
	"time"

	"interfacesvc/internal/packet"
)

// UDPConfig configures a UDPLink.
type UDPConfig struct {
	Name           string
	Address        string
	TargetNames    []string
	ReadTimeout    time.Duration
	AutoReconnect  bool
	ReconnectDelay time.Duration
	ReadAllowed    bool
	MaxDatagram    int
}

func (c UDPConfig) withDefaults() UDPConfig {
	if c.MaxDatagram == 0 {
		c.MaxDatagram = 65507
	}
	return c
}

// UDPLink is a connectionless datagram Link. "Connect" binds a local
// socket and associates it with the remote address; there is no
// handshake, so Connected() simply reflects whether the socket is open.
type UDPLink struct {
	cfg UDPConfig

	mu   sync.RWMutex
	conn *net.UDPConn
}

func NewUDPLink(cfg UDPConfig) *UDPLink {
	cfg = cfg.withDefaults()
	return &UDPLink{cfg: cfg}
}

func (l *UDPLink) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return ErrAlreadyConnected
	}
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("link: resolve udp address %s: %w", l.cfg.Address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("link: udp dial %s: %w", l.cfg.Address, err)
	}
	l.conn = conn
	return nil
}

func (l *UDPLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *UDPLink) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

func (l *UDPLink) Read() (*packet.Packet, error) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if l.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	}
	buf := make([]byte, l.cfg.MaxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return packet.New(buf[:n]), nil
}

func (l *UDPLink) Write(data any) error {
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
	_, err = conn.Write(payload)
	return err
}

func (l *UDPLink) Name() string                  { return l.cfg.Name }
func (l *UDPLink) TargetNames() []string         { return append([]string(nil), l.cfg.TargetNames...) }
func (l *UDPLink) ReadAllowed() bool             { return l.cfg.ReadAllowed }
func (l *UDPLink) AutoReconnect() bool           { return l.cfg.AutoReconnect }
func (l *UDPLink) ReconnectDelay() time.Duration { return l.cfg.ReconnectDelay }

var _ Link = (*UDPLink)(nil)
