package dictionary

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"interfacesvc/internal/packet"
)

// ItemDef is the static schema of one item within a PacketDef: its
// position in the buffer, and which optional representations
// (conversion, format, units) the CmdWorker should publish for it.
type ItemDef struct {
	Name               string
	Offset             int // absolute byte offset within the buffer
	HasWriteConversion bool
	HasStates          bool
	FormatString       string
	Units              string
	Default            uint8
	Min, Max           *int
}

// PacketDef is the static schema for one target/packet combination. ID
// is a generic 2-byte identification tag written as the first two
// bytes of the buffer; it does not model any real mission protocol,
// only a deterministic way to identify packets built from this
// package's own templates.
type PacketDef struct {
	Target            string
	Name              string
	ID                uint16
	Items             []ItemDef
	Hazardous         bool
	HazardDescription string
}

func key(target, name string) string { return target + "/" + name }

// Memory is a concrete, in-memory reference implementation of
// Dictionary. It is not a stand-in for any specific mission dictionary;
// it exists so the Supervisor, CmdWorker, and PacketHandler have a real
// collaborator to run and test against.
type Memory struct {
	mu   sync.RWMutex
	defs map[string]*PacketDef
	cvt  map[string]*packet.Packet
}

// NewMemory creates a Dictionary pre-populated with the UNKNOWN/UNKNOWN
// packet every implementation must define (PacketHandler falls back to
// it for unidentified telemetry).
func NewMemory() *Memory {
	m := &Memory{
		defs: make(map[string]*PacketDef),
		cvt:  make(map[string]*packet.Packet),
	}
	m.Define(&PacketDef{
		Target: "UNKNOWN",
		Name:   "UNKNOWN",
		ID:     0xFFFF,
		Items:  []ItemDef{{Name: "DATA"}},
	})
	return m
}

// Define installs (or replaces) a packet definition.
func (m *Memory) Define(def *PacketDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[key(def.Target, def.Name)] = def
}

func (m *Memory) lookup(target, name string) (*PacketDef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[key(target, name)]
	return d, ok
}

func (m *Memory) byID(targets []string, id uint16) (*PacketDef, bool) {
	allowed := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		allowed[t] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.defs {
		if _, ok := allowed[def.Target]; !ok {
			continue
		}
		if def.ID == id {
			return def, true
		}
	}
	return nil, false
}

func decode(def *PacketDef, buffer []byte) *packet.Packet {
	p := packet.New(buffer)
	p.TargetName = def.Target
	p.PacketName = def.Name
	items := make([]*packet.Item, len(def.Items))
	for i, id := range def.Items {
		var raw uint8
		if id.Offset >= 0 && id.Offset < len(buffer) {
			raw = buffer[id.Offset]
		} else {
			raw = id.Default
		}
		items[i] = &packet.Item{
			Name:               id.Name,
			Offset:             id.Offset,
			RawValue:           raw,
			ConvertedValue:     raw,
			HasWriteConversion: id.HasWriteConversion,
			HasStates:          id.HasStates,
			FormatString:       id.FormatString,
			Units:              id.Units,
		}
	}
	p.SetItems(items)
	return p
}

// BuildCmd resolves cmd_params into item values and encodes a buffer
// carrying the 2-byte ID header followed by one byte per item.
func (m *Memory) BuildCmd(ctx context.Context, target, name string, params map[string]any, rangeCheck, raw bool) (*packet.Command, error) {
	def, ok := m.lookup(target, name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %s %s", ErrBuildFailed, target, name)
	}

	buf := make([]byte, 2+len(def.Items))
	binary.BigEndian.PutUint16(buf[:2], def.ID)

	items := make([]*packet.Item, len(def.Items))
	for i, id := range def.Items {
		val := int(id.Default)
		if v, ok := params[id.Name]; ok {
			n, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %s: %v", ErrBuildFailed, id.Name, err)
			}
			val = n
		}
		if rangeCheck && !raw && (id.Min != nil || id.Max != nil) {
			if id.Min != nil && val < *id.Min {
				return nil, fmt.Errorf("%w: %s value %d below minimum %d", ErrBuildFailed, id.Name, val, *id.Min)
			}
			if id.Max != nil && val > *id.Max {
				return nil, fmt.Errorf("%w: %s value %d above maximum %d", ErrBuildFailed, id.Name, val, *id.Max)
			}
		}
		buf[2+i] = byte(val)
		items[i] = &packet.Item{
			Name:               id.Name,
			Offset:             id.Offset,
			RawValue:           byte(val),
			ConvertedValue:     byte(val),
			HasWriteConversion: id.HasWriteConversion,
			HasStates:          id.HasStates,
			FormatString:       id.FormatString,
			Units:              id.Units,
		}
	}

	p := packet.New(buf)
	p.TargetName = target
	p.PacketName = name
	p.SetItems(items)
	return &packet.Command{Packet: p}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		var out int
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, err
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %T", v)
	}
}

func (m *Memory) CmdPktHazardous(cmd *packet.Command) (bool, string) {
	def, ok := m.lookup(cmd.TargetName, cmd.PacketName)
	if !ok {
		return false, ""
	}
	return def.Hazardous, def.HazardDescription
}

// IdentifyAndDefine identifies a stored (replayed) packet. It never
// writes the current value table: replayed data must not clobber the
// live values.
func (m *Memory) IdentifyAndDefine(pkt *packet.Packet, targets []string) (*packet.Packet, error) {
	def, ok := m.match(pkt.Buffer, targets)
	if !ok {
		return nil, nil
	}
	return decode(def, pkt.Buffer), nil
}

// Identify matches a live buffer against the known packet schemas and,
// on a match, installs the decoded packet as the current value.
func (m *Memory) Identify(buffer []byte, targets []string) (*packet.Packet, error) {
	def, ok := m.match(buffer, targets)
	if !ok {
		return nil, nil
	}
	p := decode(def, buffer)
	m.install(p)
	return p, nil
}

// install makes p the current value for its target/packet, carrying the
// running receive counter forward from the entry it replaces.
func (m *Memory) install(p *packet.Packet) {
	k := key(p.TargetName, p.PacketName)
	m.mu.Lock()
	if prev, ok := m.cvt[k]; ok {
		p.ReceivedCount = prev.ReceivedCount
	}
	m.cvt[k] = p
	m.mu.Unlock()
}

func (m *Memory) match(buffer []byte, targets []string) (*PacketDef, bool) {
	if len(buffer) < 2 {
		return nil, false
	}
	return m.byID(targets, binary.BigEndian.Uint16(buffer[:2]))
}

func (m *Memory) Update(target, name string, buffer []byte) (*packet.Packet, error) {
	def, ok := m.lookup(target, name)
	if !ok {
		return nil, ErrUnknownPacket
	}
	p := decode(def, buffer)
	m.install(p)
	return p, nil
}

// Current returns the current value table entry for target/name, if one
// has been written.
func (m *Memory) Current(target, name string) (*packet.Packet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.cvt[key(target, name)]
	return p, ok
}

func (m *Memory) Packet(target, name string) (*packet.Packet, error) {
	def, ok := m.lookup(target, name)
	if !ok {
		return nil, fmt.Errorf("dictionary: no template for %s %s", target, name)
	}
	buf := make([]byte, 2+len(def.Items))
	binary.BigEndian.PutUint16(buf[:2], def.ID)
	return decode(def, buf), nil
}

var _ Dictionary = (*Memory)(nil)
