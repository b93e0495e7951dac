// Package packethandler turns a raw inbound packet into a defined,
// timestamped, published telemetry update: identify against the
// dictionary, update the current value table, and publish the result
// to the telemetry topic for its target/packet pair.
package packethandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/iface"
	"interfacesvc/internal/packet"
	"interfacesvc/internal/store"
)

const hexPreviewBytes = 16

// Handler implements the packet-identification half of the interface:
// Supervisor hands it every packet the link produces (and every
// injected packet), and it is the sole driver of current-value-table
// updates for its interface.
type Handler struct {
	desc  *iface.Descriptor
	dict  dictionary.Dictionary
	store store.Store
	scope string
	log   *logrus.Logger

	mu     sync.Mutex
	counts map[string]uint64
}

// New builds a Handler bound to one interface's descriptor.
func New(desc *iface.Descriptor, dict dictionary.Dictionary, st store.Store, scope string, log *logrus.Logger) *Handler {
	return &Handler{desc: desc, dict: dict, store: st, scope: scope, log: log, counts: make(map[string]uint64)}
}

// Handle processes one inbound packet: refresh the published interface
// state, stamp the receive time, identify the packet against the
// dictionary (falling back to UNKNOWN/UNKNOWN), update the current
// value table for live packets, and publish to the telemetry topic.
//
// A non-nil return is fatal to the caller's read loop: Dictionary.Update
// failed on a pre-identified packet for a reason other than "packet not
// known". Only the not-known case clears identification and retries via
// Identify; anything else propagates.
func (h *Handler) Handle(ctx context.Context, pkt *packet.Packet) error {
	h.publishInterfaceState(ctx)

	if pkt.ReceivedTime.IsZero() {
		pkt.ReceivedTime = time.Now()
	}

	var identified *packet.Packet
	var err error

	if pkt.Stored {
		// Historical replay: identify and decommutate without touching
		// the current value table.
		identified, err = h.dict.IdentifyAndDefine(pkt, h.desc.TargetNames())
		if err != nil {
			return fmt.Errorf("packethandler: identify stored packet: %w", err)
		}
	} else {
		if pkt.Identified() {
			identified, err = h.dict.Update(pkt.TargetName, pkt.PacketName, pkt.Buffer)
			if err != nil {
				if !errors.Is(err, dictionary.ErrUnknownPacket) {
					return fmt.Errorf("packethandler: update %s %s: %w", pkt.TargetName, pkt.PacketName, err)
				}
				h.log.WithFields(logrus.Fields{
					"interface":   h.desc.Name,
					"target_name": pkt.TargetName,
					"packet_name": pkt.PacketName,
				}).Warn("dictionary does not know pre-identified packet, re-identifying")
				pkt.ClearIdentification()
				identified = nil
			}
		}
		if identified == nil {
			identified, err = h.dict.Identify(pkt.Buffer, h.desc.TargetNames())
			if err != nil {
				return fmt.Errorf("packethandler: identify: %w", err)
			}
		}
	}

	if identified != nil {
		adoptMetadata(identified, pkt)
		pkt = identified
	} else {
		unknown, err := h.dict.Update("UNKNOWN", "UNKNOWN", pkt.Buffer)
		if err != nil {
			return fmt.Errorf("packethandler: update unknown: %w", err)
		}
		adoptMetadata(unknown, pkt)
		h.log.WithField("interface", h.desc.Name).Errorf(
			"unknown %d byte packet starting: %s", len(pkt.Buffer), hexPreview(pkt.Buffer))
		pkt = unknown
	}

	h.countPacket(pkt.TargetName)
	pkt.ReceivedCount++

	h.publish(ctx, pkt)
	return nil
}

// adoptMetadata carries the receive-side metadata from the link's raw
// packet onto the packet the dictionary handed back.
func adoptMetadata(dst, src *packet.Packet) {
	dst.ReceivedTime = src.ReceivedTime
	dst.Stored = src.Stored
	dst.Extra = src.Extra
}

// countPacket bumps the per-target telemetry counter when the target is
// one this interface serves.
func (h *Handler) countPacket(target string) {
	for _, t := range h.desc.TargetNames() {
		if t == target {
			h.mu.Lock()
			h.counts[target]++
			h.mu.Unlock()
			return
		}
	}
}

// Counts returns a snapshot of the per-target telemetry counters.
func (h *Handler) Counts() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

func (h *Handler) publishInterfaceState(ctx context.Context) {
	if err := h.store.SetInterface(ctx, h.desc, h.scope, false); err != nil {
		h.log.WithError(err).WithField("interface", h.desc.Name).Warn("failed to refresh interface state")
	}
}

func (h *Handler) publish(ctx context.Context, pkt *packet.Packet) {
	msg := map[string]any{
		"time":           pkt.ReceivedTime.UnixNano(),
		"stored":         pkt.Stored,
		"target_name":    pkt.TargetName,
		"packet_name":    pkt.PacketName,
		"received_count": pkt.ReceivedCount,
		"buffer":         fmt.Sprintf("%X", pkt.Buffer),
	}
	topic := store.Topic(h.scope, "TELEMETRY", pkt.TargetName, pkt.PacketName)
	if err := h.store.WriteTopic(ctx, topic, msg); err != nil {
		h.log.WithError(err).WithField("topic", topic).Warn("failed to publish telemetry")
	}
}

func hexPreview(buf []byte) string {
	n := len(buf)
	if n > hexPreviewBytes {
		n = hexPreviewBytes
	}
	return fmt.Sprintf("%X", buf[:n])
}
