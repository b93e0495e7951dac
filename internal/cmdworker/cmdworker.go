// Package cmdworker consumes every message routed to this interface's
// command topics: structured commands are built, checked, written to
// the link, and echoed to the command topics; lifecycle directives
// (connect, disconnect, raw write, telemetry injection) short-circuit
// into the Supervisor and Link.
package cmdworker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/link"
	"interfacesvc/internal/packet"
	"interfacesvc/internal/store"
	"interfacesvc/internal/supervisor"
)

// lifecycleMarker is the topic discriminator for interface directives.
const lifecycleMarker = "CMDINTERFACE"

// Worker is the command-side loop for one interface. It runs
// independently of the Supervisor, sharing its descriptor and calling
// its lifecycle operations.
type Worker struct {
	sup   *supervisor.Supervisor
	link  link.Link
	dict  dictionary.Dictionary
	store store.Store
	scope string
	log   *logrus.Logger

	// signingSecret, when set, wraps every reply in an HMAC-signed
	// token so authenticated requesters can verify its origin.
	signingSecret []byte

	cmdCount uint64
}

// New builds a Worker. signingSecret may be empty, in which case
// replies are plain strings.
func New(sup *supervisor.Supervisor, l link.Link, dict dictionary.Dictionary, st store.Store, scope, signingSecret string, log *logrus.Logger) *Worker {
	w := &Worker{
		sup:   sup,
		link:  l,
		dict:  dict,
		store: st,
		scope: scope,
		log:   log,
	}
	if signingSecret != "" {
		w.signingSecret = []byte(signingSecret)
	}
	return w
}

// CommandCount returns the number of commands successfully written so far.
func (w *Worker) CommandCount() uint64 {
	return atomic.LoadUint64(&w.cmdCount)
}

// Run consumes command messages until the store closes the stream,
// which it arranges on shutdown. Each message produces exactly one
// reply; a panic in dispatch is caught and reported as the reply so the
// loop never dies silently.
func (w *Worker) Run(ctx context.Context) error {
	name := w.sup.Descriptor().Name
	ch, err := w.store.ReceiveCommands(ctx, name, w.scope)
	if err != nil {
		return fmt.Errorf("cmdworker: receive_commands: %w", err)
	}
	for msg := range ch {
		reply := w.safeDispatch(ctx, msg)
		msg.Reply(w.seal(reply))
	}
	return nil
}

func (w *Worker) safeDispatch(ctx context.Context, msg store.CommandMessage) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithFields(logrus.Fields{
				"interface": w.sup.Descriptor().Name,
				"topic":     msg.Topic,
			}).Errorf("panic in command dispatch: %v", r)
			reply = fmt.Sprintf("%v", r)
		}
	}()
	return w.dispatch(ctx, msg)
}

func (w *Worker) dispatch(ctx context.Context, msg store.CommandMessage) string {
	log := w.log.WithFields(logrus.Fields{
		"interface":      w.sup.Descriptor().Name,
		"topic":          msg.Topic,
		"correlation_id": uuid.NewString(),
	})
	if strings.Contains(msg.Topic, lifecycleMarker) {
		return w.lifecycle(ctx, log, msg.Msg)
	}
	return w.command(ctx, log, msg.Msg)
}

// lifecycle handles CMDINTERFACE directives.
func (w *Worker) lifecycle(ctx context.Context, log *logrus.Entry, msg map[string]string) string {
	switch {
	case hasKey(msg, "connect"):
		log.Info("connect requested")
		if err := w.sup.Connect(); err != nil {
			log.WithError(err).Error("connect failed")
			return err.Error()
		}
	case hasKey(msg, "disconnect"):
		log.Info("disconnect requested")
		w.sup.Disconnect(true)
	case hasKey(msg, "raw"):
		data, err := hex.DecodeString(msg["raw"])
		if err != nil {
			log.WithError(err).Error("bad raw payload")
			return err.Error()
		}
		log.WithField("bytes", len(data)).Info("raw write requested")
		if err := w.link.Write(data); err != nil {
			log.WithError(err).Error("raw write failed")
			return err.Error()
		}
	case hasKey(msg, "inject_tlm"):
		if err := w.injectTlm(ctx, msg); err != nil {
			log.WithError(err).Error("inject_tlm failed")
			return err.Error()
		}
	default:
		log.WithField("keys", keysOf(msg)).Warn("unrecognized interface directive")
	}
	return "SUCCESS"
}

func (w *Worker) injectTlm(ctx context.Context, msg map[string]string) error {
	target := msg["target_name"]
	name := msg["packet_name"]

	itemType := packet.RAW
	if vt := msg["value_type"]; vt != "" {
		t, err := packet.ParseItemType(vt)
		if err != nil {
			return err
		}
		itemType = t
	}

	items := make(map[string]supervisor.ItemWrite)
	if raw := msg["item_hash"]; raw != "" {
		var hash map[string]any
		if err := json.Unmarshal([]byte(raw), &hash); err != nil {
			return fmt.Errorf("cmdworker: parsing item_hash: %w", err)
		}
		for k, v := range hash {
			items[k] = supervisor.ItemWrite{Value: v, Type: itemType}
		}
	}
	return w.sup.InjectTlm(ctx, target, name, items)
}

// command handles a structured command: build, hazardous check, write,
// echo to the raw and decommutated command topics, refresh interface
// state, reply.
func (w *Worker) command(ctx context.Context, log *logrus.Entry, msg map[string]string) string {
	target := msg["target_name"]
	cmdName := msg["cmd_name"]
	log = log.WithFields(logrus.Fields{"target_name": target, "cmd_name": cmdName})

	var params map[string]any
	if raw := msg["cmd_params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			log.WithError(err).Error("bad cmd_params")
			return err.Error()
		}
	}

	rangeCheck := ParseBool(msg["range_check"])
	rawFlag := ParseBool(msg["raw"])
	hazardousCheck := ParseBool(msg["hazardous_check"])

	cmd, err := w.dict.BuildCmd(ctx, target, cmdName, params, rangeCheck, rawFlag)
	if err != nil {
		log.WithError(err).Error("command build failed")
		return err.Error()
	}

	if hazardousCheck {
		if hazardous, why := w.dict.CmdPktHazardous(cmd); hazardous {
			log.WithField("description", why).Warn("hazardous command vetoed")
			return "HazardousError"
		}
	}

	cmd.ReceivedTime = time.Now()

	if err := w.link.Write(cmd); err != nil {
		log.WithError(err).Error("command write failed")
		return err.Error()
	}
	cmd.ReceivedCount = atomic.AddUint64(&w.cmdCount, 1)

	common := map[string]any{
		"time":           cmd.ReceivedTime.UnixNano(),
		"target_name":    cmd.TargetName,
		"packet_name":    cmd.PacketName,
		"received_count": cmd.ReceivedCount,
	}

	rawMsg := make(map[string]any, len(common)+1)
	for k, v := range common {
		rawMsg[k] = v
	}
	rawMsg["buffer"] = fmt.Sprintf("%X", cmd.Buffer)
	if err := w.store.WriteTopic(ctx, store.Topic(w.scope, "COMMAND", cmd.TargetName, cmd.PacketName), rawMsg); err != nil {
		log.WithError(err).Error("command topic write failed")
		return err.Error()
	}

	jsonData, err := json.Marshal(decomHash(cmd))
	if err != nil {
		log.WithError(err).Error("encoding decom hash failed")
		return err.Error()
	}
	decomMsg := make(map[string]any, len(common)+1)
	for k, v := range common {
		decomMsg[k] = v
	}
	decomMsg["json_data"] = string(jsonData)
	if err := w.store.WriteTopic(ctx, store.Topic(w.scope, "DECOMCMD", cmd.TargetName, cmd.PacketName), decomMsg); err != nil {
		log.WithError(err).Error("decom command topic write failed")
		return err.Error()
	}

	if err := w.store.SetInterface(ctx, w.sup.Descriptor(), w.scope, false); err != nil {
		log.WithError(err).Error("interface state refresh failed")
		return err.Error()
	}

	return "SUCCESS"
}

// decomHash builds the decommutated view of a command by walking its
// items in order: every item's raw value, plus converted/formatted/
// with-units entries for the items that define them. The result is a
// map, so the item order is not kept.
func decomHash(cmd *packet.Command) map[string]any {
	hash := make(map[string]any, len(cmd.Items))
	for _, it := range cmd.Items {
		hash[it.Name] = it.Value(packet.RAW)
		if it.HasConversion() {
			hash[it.Name+"__C"] = it.Value(packet.CONVERTED)
		}
		if it.FormatString != "" {
			hash[it.Name+"__F"] = it.Value(packet.FORMATTED)
		}
		if it.Units != "" {
			hash[it.Name+"__U"] = it.Value(packet.WITH_UNITS)
		}
	}
	return hash
}

// seal signs the reply when a signing secret is configured. Signing
// failures fall back to the plain reply rather than swallowing it.
func (w *Worker) seal(reply string) string {
	if w.signingSecret == nil {
		return reply
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"reply":     reply,
		"interface": w.sup.Descriptor().Name,
		"iat":       time.Now().Unix(),
	})
	signed, err := token.SignedString(w.signingSecret)
	if err != nil {
		w.log.WithError(err).Warn("cmdworker: signing reply failed")
		return reply
	}
	return signed
}

func hasKey(msg map[string]string, key string) bool {
	_, ok := msg[key]
	return ok
}

func keysOf(msg map[string]string) []string {
	out := make([]string, 0, len(msg))
	for k := range msg {
		out = append(out, k)
	}
	return out
}
