// Package packet defines the Packet and Command data model shared by the
// Link, Dictionary, Supervisor, PacketHandler, and CmdWorker collaborators.
package packet

import (
	"fmt"
	"strings"
	"time"
)

// ItemType selects which representation of an item's value to read.
type ItemType int

const (
	RAW ItemType = iota
	CONVERTED
	FORMATTED
	WITH_UNITS
)

// ParseItemType maps the wire spelling of an item type to its ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RAW":
		return RAW, nil
	case "CONVERTED":
		return CONVERTED, nil
	case "FORMATTED":
		return FORMATTED, nil
	case "WITH_UNITS":
		return WITH_UNITS, nil
	default:
		return RAW, fmt.Errorf("packet: unknown item type %q", s)
	}
}

// Item is a single named, typed value inside a Packet or Command, in the
// order the dictionary defines them. Offset is the item's byte position
// within the packet buffer; raw writes to an in-range offset are mirrored
// into the buffer so re-decoding sees the written value.
type Item struct {
	Name               string
	Offset             int
	RawValue           any
	ConvertedValue     any
	HasWriteConversion bool
	HasStates          bool
	FormatString       string
	Units              string
}

// HasConversion reports whether name__C should be emitted for this item.
func (it *Item) HasConversion() bool {
	return it.HasWriteConversion || it.HasStates
}

// Value returns the item's value rendered as the requested type.
func (it *Item) Value(t ItemType) any {
	switch t {
	case CONVERTED:
		if it.HasConversion() {
			return it.ConvertedValue
		}
		return it.RawValue
	case FORMATTED:
		if it.FormatString != "" {
			return fmt.Sprintf(it.FormatString, it.RawValue)
		}
		return it.RawValue
	case WITH_UNITS:
		base := it.Value(CONVERTED)
		if it.Units != "" {
			return fmt.Sprintf("%v %s", base, it.Units)
		}
		return base
	default:
		return it.RawValue
	}
}

// Packet is a time-stamped buffer with optional identification, the
// stored (historical replay) flag, a running receive counter, and an
// ordered item schema once identified by the dictionary.
type Packet struct {
	Buffer        []byte
	ReceivedTime  time.Time
	TargetName    string
	PacketName    string
	Stored        bool
	ReceivedCount uint64
	Extra         map[string]any

	Items     []*Item
	itemIndex map[string]int
}

// New creates an unidentified packet wrapping buf.
func New(buf []byte) *Packet {
	return &Packet{Buffer: buf}
}

// Identified reports whether the packet carries a target/packet name.
func (p *Packet) Identified() bool {
	return p.TargetName != "" && p.PacketName != ""
}

// ClearIdentification drops the target/packet name so the packet can be
// re-identified from scratch.
func (p *Packet) ClearIdentification() {
	p.TargetName = ""
	p.PacketName = ""
}

// SetItems installs the ordered item schema and builds the name index.
func (p *Packet) SetItems(items []*Item) {
	p.Items = items
	p.itemIndex = make(map[string]int, len(items))
	for i, it := range items {
		p.itemIndex[it.Name] = i
	}
}

// Item looks up a named item.
func (p *Packet) Item(name string) (*Item, bool) {
	i, ok := p.itemIndex[name]
	if !ok {
		return nil, false
	}
	return p.Items[i], true
}

// Read returns the value of a named item in the requested representation.
func (p *Packet) Read(name string, t ItemType) (any, error) {
	it, ok := p.Item(name)
	if !ok {
		return nil, fmt.Errorf("packet: unknown item %q", name)
	}
	return it.Value(t), nil
}

// WriteItem overwrites a named item's value. value_type selects whether
// the write targets the raw or converted representation; the other is
// left for the dictionary/format path to derive.
func (p *Packet) WriteItem(name string, value any, t ItemType) error {
	it, ok := p.Item(name)
	if !ok {
		return fmt.Errorf("packet: unknown item %q", name)
	}
	switch t {
	case CONVERTED:
		it.ConvertedValue = value
	default:
		it.RawValue = value
		if b, ok := byteValue(value); ok && it.Offset >= 0 && it.Offset < len(p.Buffer) {
			p.Buffer[it.Offset] = b
		}
	}
	return nil
}

func byteValue(v any) (byte, bool) {
	switch n := v.(type) {
	case byte:
		return n, true
	case int:
		return byte(n), true
	case int64:
		return byte(n), true
	case float64:
		return byte(n), true
	default:
		return 0, false
	}
}

// Clone deep-copies the packet's buffer and item schema so it can be
// mutated independently (used by Supervisor.InjectTlm against a
// dictionary template).
func (p *Packet) Clone() *Packet {
	buf := make([]byte, len(p.Buffer))
	copy(buf, p.Buffer)
	out := &Packet{
		Buffer:        buf,
		ReceivedTime:  p.ReceivedTime,
		TargetName:    p.TargetName,
		PacketName:    p.PacketName,
		Stored:        p.Stored,
		ReceivedCount: p.ReceivedCount,
	}
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	items := make([]*Item, len(p.Items))
	for i, it := range p.Items {
		cp := *it
		items[i] = &cp
	}
	out.SetItems(items)
	return out
}

// Command is a packet produced by the dictionary with fully resolved
// field values, destined for the Link.
type Command struct {
	*Packet
}
