// ABOUTME: Routes inbound command frames to the services
// ABOUTME: Recoverable faults go back as error events; fatal ones close the connection

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/identity"
	"github.com/talkwire/talkwire/internal/message"
	"github.com/talkwire/talkwire/internal/metrics"
	"github.com/talkwire/talkwire/internal/store"
	"github.com/talkwire/talkwire/internal/talk"
)

// Inbound command type strings.
const (
	cmdAuth     = "auth"
	cmdCreate   = "create_message"
	cmdUpdate   = "update_message"
	cmdDelete   = "delete_message"
	cmdMarkSeen = "mark_seen_message"
)

// command is the inbound frame shape. One struct covers every variant;
// the type field decides which of the other fields matter.
type command struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	TalkID string `json:"talkId,omitempty"`
	ID     string `json:"id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Dispatcher turns decoded command frames into service calls and turns
// service faults into what the client sees: an error event on the
// user's notification subject, or a closed connection.
type Dispatcher struct {
	identity *identity.Service
	talks    *talk.Service
	messages *message.Service
	bus      bus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(ident *identity.Service, talks *talk.Service, messages *message.Service, b bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		identity: ident,
		talks:    talks,
		messages: messages,
		bus:      b,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one inbound frame on behalf of conn. Frames that are
// not valid JSON tear the connection down; unknown command types are
// logged and ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		d.logger.Warn("malformed frame", "conn_id", conn.ID(), "error", err)
		d.metrics.CommandHandled("malformed", "error")
		conn.closeWith(closeMalformedFrame, "malformed frame")
		return
	}

	switch cmd.Type {
	case cmdAuth:
		d.handleAuth(ctx, conn, cmd)
	case cmdCreate, cmdUpdate, cmdDelete, cmdMarkSeen:
		sub, ok := conn.User()
		if !ok {
			// Commands before authentication are dropped, not fatal.
			d.logger.Debug("ignoring command on unauthenticated connection", "type", cmd.Type)
			d.metrics.CommandHandled(cmd.Type, "ignored")
			return
		}
		d.handleCommand(ctx, conn, sub, cmd)
	default:
		d.logger.Warn("unknown command type", "type", cmd.Type, "conn_id", conn.ID())
		d.metrics.CommandHandled("unknown", "ignored")
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, conn *Conn, cmd command) {
	if _, ok := conn.User(); ok {
		// Re-auth on a live connection is a no-op.
		d.metrics.CommandHandled(cmdAuth, "ignored")
		return
	}

	sub, err := d.identity.Verify(cmd.Token)
	if err != nil {
		d.logger.Warn("authentication failed", "conn_id", conn.ID(), "error", err)
		d.metrics.CommandHandled(cmdAuth, "error")
		conn.closeWith(closePolicyViolation, "authentication failed")
		return
	}

	if err := conn.authenticate(ctx, sub); err != nil {
		d.logger.Error("binding connection failed", "sub", sub, "error", err)
		d.metrics.CommandHandled(cmdAuth, "error")
		conn.closeWith(closeInternalError, "internal error")
		return
	}
	d.metrics.CommandHandled(cmdAuth, "ok")
}

func (d *Dispatcher) handleCommand(ctx context.Context, conn *Conn, sub string, cmd command) {
	var err error
	switch cmd.Type {
	case cmdCreate:
		var talkID primitive.ObjectID
		if talkID, err = parseID(cmd.TalkID); err == nil {
			_, err = d.messages.Create(ctx, sub, talkID, cmd.Text)
		}
	case cmdUpdate:
		var id primitive.ObjectID
		if id, err = parseID(cmd.ID); err == nil {
			_, err = d.messages.Edit(ctx, sub, id, cmd.Text)
		}
	case cmdDelete:
		var id primitive.ObjectID
		if id, err = parseID(cmd.ID); err == nil {
			var msg *store.Message
			if msg, err = d.messages.Delete(ctx, sub, id); err == nil {
				// The deleted message may have been the talk's newest.
				if rerr := d.talks.RefreshLastMessage(ctx, msg.TalkID); rerr != nil {
					d.logger.Warn("refreshing last message failed", "talk_id", msg.TalkID.Hex(), "error", rerr)
				}
			}
		}
	case cmdMarkSeen:
		var id primitive.ObjectID
		if id, err = parseID(cmd.ID); err == nil {
			_, err = d.messages.MarkSeenByID(ctx, sub, id)
		}
	}

	if err != nil {
		d.report(ctx, conn, sub, cmd.Type, err)
		return
	}
	d.metrics.CommandHandled(cmd.Type, "ok")
}

// report delivers a command failure. Unauthorized and fatal faults end
// the connection; everything else becomes exactly one error event on
// the origin user's notification subject.
func (d *Dispatcher) report(ctx context.Context, conn *Conn, sub, cmdType string, err error) {
	d.metrics.CommandHandled(cmdType, "error")
	kind := fault.KindOf(err)
	d.logger.Warn("command failed", "type", cmdType, "sub", sub, "kind", kind.String(), "error", err)

	switch kind {
	case fault.KindUnauthorized, fault.KindFatal:
		conn.closeWith(closePolicyViolation, "connection no longer authorized")
		return
	}

	code, msg := publicFault(err)
	if perr := d.bus.Publish(ctx, bus.NotiSubject(sub), bus.NotiError{Code: code, Message: msg}); perr != nil {
		d.logger.Warn("error event publish failed", "sub", sub, "error", perr)
	}
}

// parseID decodes a 24-char hex id. A malformed id names nothing, so it
// reads as not found rather than a protocol error.
func parseID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fault.NotFound(fault.CodeNotFound, "malformed id")
	}
	return id, nil
}

// publicFault reduces err to the code and message a client may see.
// Infrastructure details stay in the logs.
func publicFault(err error) (code, msg string) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return fault.CodeInternal, "internal error"
	}
	switch fe.Kind {
	case fault.KindTransient, fault.KindFatal, fault.KindUnknown:
		return fault.CodeInternal, "internal error"
	}
	return fe.Code, fe.Msg
}
