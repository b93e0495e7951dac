// Package dictionary defines the telemetry/command dictionary
// capability: building and validating outgoing commands, answering
// hazardous queries, and identifying/decommutating inbound telemetry
// against a (possibly unknown) packet schema.
package dictionary

import (
	"context"
	"errors"

	"interfacesvc/internal/packet"
)

// ErrUnknownPacket is returned by Update when the dictionary does not
// recognize the given target/packet combination. PacketHandler treats
// this, and only this, as the cue to clear identification and retry
// via Identify; any other Update failure propagates.
var ErrUnknownPacket = errors.New("dictionary: unknown target/packet")

// ErrBuildFailed wraps a command build/validation failure; its message
// is reported verbatim to the command requester.
var ErrBuildFailed = errors.New("dictionary: command build failed")

// Dictionary is the external telemetry/command dictionary capability.
type Dictionary interface {
	// BuildCmd resolves named command parameters into a fully-formed
	// Command, performing range checking when rangeCheck is set and raw
	// is not.
	BuildCmd(ctx context.Context, target, name string, params map[string]any, rangeCheck, raw bool) (*packet.Command, error)

	// CmdPktHazardous reports whether cmd requires hazardous
	// confirmation, with a human-readable description.
	CmdPktHazardous(cmd *packet.Command) (bool, string)

	// IdentifyAndDefine identifies a stored (replayed) packet without
	// touching the current value table.
	IdentifyAndDefine(pkt *packet.Packet, targets []string) (*packet.Packet, error)

	// Identify attempts to match buffer against the schema of one of
	// targets. A nil packet with a nil error means no match was found.
	Identify(buffer []byte, targets []string) (*packet.Packet, error)

	// Update decommutates buffer into the current value table entry for
	// target/name, returning the updated packet. It returns
	// ErrUnknownPacket if the combination is not defined.
	Update(target, name string, buffer []byte) (*packet.Packet, error)

	// Packet returns the template packet (full item schema, zero
	// values) used by Supervisor.InjectTlm.
	Packet(target, name string) (*packet.Packet, error)
}
