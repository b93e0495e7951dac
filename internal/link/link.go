// Package link defines the bidirectional framed-packet transport
// capability (the "Link") and provides generic TCP and UDP
// implementations. It intentionally does not define any specific wire
// protocol: framing is a 4-byte big-endian length prefix around an
// opaque payload, the minimum needed to carry command and telemetry
// packets over a stream transport.
package link

import (
	"errors"
	"time"

	"interfacesvc/internal/packet"
)

// Sentinel errors classified by the Supervisor's failure handling (see
// the error taxonomy: signal/interrupt vs transient transport vs
// everything else).
var (
	// ErrInterrupted signals that a blocking Link call was aborted by a
	// process-level shutdown signal rather than a transport failure.
	ErrInterrupted = errors.New("link: operation interrupted by signal")

	ErrNotConnected     = errors.New("link: not connected")
	ErrAlreadyConnected = errors.New("link: already connected")
)

// Link is the bidirectional framed packet transport capability. Concrete
// implementations (TCPLink, UDPLink, or a test double) are the only part
// of this package a caller normally touches directly; Supervisor and
// CmdWorker only depend on this interface.
type Link interface {
	Connect() error
	Disconnect() error
	Connected() bool

	// Read blocks for the next packet. A nil packet with a nil error is
	// a clean disconnect; a non-nil error is an unclean disconnect.
	Read() (*packet.Packet, error)

	// Write accepts either raw bytes or a *packet.Command.
	Write(data any) error

	Name() string
	TargetNames() []string
	ReadAllowed() bool
	AutoReconnect() bool
	ReconnectDelay() time.Duration
}

// payloadBytes extracts the wire bytes to send for either a raw []byte
// write or a *packet.Command write.
func payloadBytes(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case *packet.Command:
		return v.Buffer, nil
	case *packet.Packet:
		return v.Buffer, nil
	default:
		return nil, errors.New("link: write expects []byte or *packet.Command")
	}
}
