// Package supervisor owns the connection state machine and inbound
// packet loop for a single interface, serializing lifecycle
// transitions against concurrent commanders (CmdWorker, a shutdown
// caller).
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/exceptions"
	"interfacesvc/internal/iface"
	"interfacesvc/internal/link"
	"interfacesvc/internal/packet"
	"interfacesvc/internal/packethandler"
	"interfacesvc/internal/store"
)

// FatalHandler handles an error the read loop cannot recover from (an
// Update failure the dictionary did not classify as "unknown packet").
// The default implementation logs at Fatal and exits the process; tests
// inject a handler that only records the error.
type FatalHandler func(err error)

// Supervisor is the connection state machine plus read loop for one
// interface.
type Supervisor struct {
	desc  *iface.Descriptor
	link  link.Link
	dict  dictionary.Dictionary
	store store.Store
	ph    *packethandler.Handler
	exc   *exceptions.Ledger
	log   *logrus.Logger
	scope string

	fatal FatalHandler

	// mu serializes cancel, idle, and Link.connect/disconnect. Read
	// loop scheduling decisions (idle/cancel checks) also happen under
	// mu.
	mu      sync.Mutex
	cancel  bool
	idle    bool
	sleeper *sleeper

	failedMsgs map[string]struct{}
	lostMsgs   map[string]struct{}

	done chan struct{}
}

// New builds a Supervisor in the initial DISCONNECTED, non-idle,
// non-canceled state.
func New(desc *iface.Descriptor, l link.Link, dict dictionary.Dictionary, st store.Store, exc *exceptions.Ledger, scope string, log *logrus.Logger) *Supervisor {
	s := &Supervisor{
		desc:       desc,
		link:       l,
		dict:       dict,
		store:      st,
		exc:        exc,
		log:        log,
		scope:      scope,
		sleeper:    newSleeper(),
		failedMsgs: make(map[string]struct{}),
		lostMsgs:   make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	s.ph = packethandler.New(desc, dict, st, scope, log)
	s.fatal = func(err error) {
		log.WithError(err).Fatal("supervisor: unrecoverable error in read loop")
	}
	return s
}

// SetFatalHandler overrides the default process-exiting fatal handler;
// used by tests.
func (s *Supervisor) SetFatalHandler(h FatalHandler) {
	s.fatal = h
}

// Descriptor exposes the shared interface descriptor for CmdWorker.
func (s *Supervisor) Descriptor() *iface.Descriptor {
	return s.desc
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) publishState() {
	if err := s.store.SetInterface(context.Background(), s.desc, s.scope, false); err != nil {
		s.log.WithError(err).WithField("interface", s.desc.Name).Warn("supervisor: failed to publish interface state")
	}
}

// Run is the main connection/read loop. It returns once Stop has been
// called and any in-flight connect/read attempt has unwound. Callers
// run it in its own goroutine.
func (s *Supervisor) Run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		canceled := s.cancel
		idle := s.idle
		s.mu.Unlock()

		if canceled {
			return
		}

		if idle {
			s.sleeper.Wait(time.Second)
			continue
		}

		if !s.desc.Connected() {
			s.attemptConnect()
			continue
		}

		if s.desc.ReadAllowed {
			pkt, err := s.link.Read()
			if err != nil {
				s.handleConnectionLost(err)
				continue
			}
			if pkt == nil {
				s.handleConnectionLost(nil)
				continue
			}
			if err := s.ph.Handle(context.Background(), pkt); err != nil {
				s.fatal(err)
				return
			}
			continue
		}

		// Connection-maintenance-only interface: no read loop, just
		// periodically confirm the link agrees it is still connected.
		s.sleeper.Wait(time.Second)
		if !s.link.Connected() {
			s.handleConnectionLost(nil)
		}
	}
}

func (s *Supervisor) attemptConnect() {
	s.desc.SetState(iface.StateAttempting)
	s.publishState()

	if err := s.lockedConnect(false); err != nil {
		s.handleConnectionFailed(err)
	}
}

// lockedConnect is the single implementation of the connect critical
// section shared by the main loop and the public lifecycle Connect op:
// it runs entirely under mu, checking cancel (and, for the loop's
// automatic path, idle) before ever touching Link.Connect. A commanded
// connect instead clears idle, which is what lets an operator bring a
// manually disconnected interface back.
func (s *Supervisor) lockedConnect(commanded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel {
		return nil
	}
	if commanded {
		s.idle = false
	} else if s.idle {
		return nil
	}

	if s.desc.Connected() {
		return nil
	}
	if err := s.link.Connect(); err != nil {
		return err
	}

	s.desc.SetState(iface.StateConnected)
	s.publishState()
	return nil
}

// Connect is the public lifecycle operation invoked by CmdWorker when a
// CMDINTERFACE message carries "connect".
func (s *Supervisor) Connect() error {
	return s.lockedConnect(true)
}

// disconnect is shared by the public Disconnect lifecycle op and the
// failure-handling paths, which always call it with commanded=false.
func (s *Supervisor) disconnect(commanded bool) {
	s.mu.Lock()
	if commanded || !s.desc.AutoReconnect {
		s.idle = true
	}
	_ = s.link.Disconnect()
	autoReconnect := s.desc.AutoReconnect
	canceled := s.cancel
	s.mu.Unlock()

	s.desc.SetState(iface.StateDisconnected)
	s.publishState()

	if autoReconnect && !canceled {
		s.sleeper.Wait(s.desc.ReconnectDelay)
	}
}

// Disconnect is the public lifecycle operation invoked by CmdWorker
// when a CMDINTERFACE message carries "disconnect".
func (s *Supervisor) Disconnect(commanded bool) {
	s.disconnect(commanded)
}

// Stop latches cancel, cancels the sleeper, and disconnects the link,
// all under mu — the ordering that guarantees no connect call can ever
// race past a completed Stop. It then waits for Run to exit. Stop must
// never be called from the Run goroutine itself.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.cancel = true
	s.sleeper.Cancel()
	_ = s.link.Disconnect()
	s.mu.Unlock()

	<-s.done
}

func (s *Supervisor) handleConnectionFailed(err error) {
	s.handleFailure("connection_failed", s.failedMsgs, err)
}

func (s *Supervisor) handleConnectionLost(err error) {
	s.handleFailure("connection_lost", s.lostMsgs, err)
}

func (s *Supervisor) handleFailure(category string, dedup map[string]struct{}, err error) {
	logFields := logrus.Fields{"interface": s.desc.Name, "category": category}

	switch {
	case err == nil:
		s.log.WithFields(logFields).Info("connection closed cleanly")
	default:
		switch classify(err) {
		case classSignal:
			s.log.WithFields(logFields).WithError(err).Info("shutdown signal observed, stopping")
			s.mu.Lock()
			s.cancel = true
			s.mu.Unlock()
		case classTransient:
			s.log.WithFields(logFields).WithError(err).Info("transient transport error")
		default:
			s.log.WithFields(logFields).WithError(err).Error("connection error")
			msg := err.Error()
			s.mu.Lock()
			_, seen := dedup[msg]
			if !seen {
				dedup[msg] = struct{}{}
			}
			s.mu.Unlock()
			if !seen {
				if werr := s.exc.Write(category, s.desc.Name, err); werr != nil {
					s.log.WithError(werr).Warn("supervisor: failed to write exception file")
				}
			}
		}
	}

	s.disconnect(false)
}

// TelemetryCounts returns a snapshot of the per-target telemetry
// counters maintained by the packet handler.
func (s *Supervisor) TelemetryCounts() map[string]uint64 {
	return s.ph.Counts()
}

// InjectTlm clones the dictionary's template for target/name, applies
// the requested item writes, and feeds the result through
// PacketHandler exactly like a packet that arrived over the link. Each
// injection is tagged with an "injection_id" in the packet's Extra
// metadata; the published telemetry message does not carry Extra.
func (s *Supervisor) InjectTlm(ctx context.Context, target, name string, items map[string]ItemWrite) error {
	tmpl, err := s.dict.Packet(target, name)
	if err != nil {
		return err
	}
	pkt := tmpl.Clone()
	for itemName, w := range items {
		if err := pkt.WriteItem(itemName, w.Value, w.Type); err != nil {
			return err
		}
	}
	if pkt.Extra == nil {
		pkt.Extra = make(map[string]any, 1)
	}
	pkt.Extra["injection_id"] = uuid.NewString()
	return s.ph.Handle(ctx, pkt)
}

// ItemWrite is one item override applied by InjectTlm.
type ItemWrite struct {
	Value any
	Type  packet.ItemType
}
