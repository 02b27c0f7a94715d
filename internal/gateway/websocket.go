// ABOUTME: Websocket endpoint handling the client frame protocol
// ABOUTME: Authenticates the handshake, registers the connection, and runs the read loop

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/fanout-gateway/internal/fanout"
	"github.com/2389/fanout-gateway/internal/membership"
	"github.com/2389/fanout-gateway/internal/message"
	"github.com/2389/fanout-gateway/internal/registry"
)

// bearerToken extracts the client token from the Authorization header or the
// token query parameter. Browsers cannot set headers on websocket upgrades,
// so the query parameter form is accepted too.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the client identity for a handshake.
func (g *Gateway) authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if g.verifier == nil {
		// Anonymous mode: the token value is the identity, unverified.
		if token == "" {
			return "", errors.New("missing token")
		}
		return token, nil
	}
	return g.verifier.Verify(token)
}

// handleWebSocket upgrades the connection, registers it, and runs the frame
// read loop until the client disconnects.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID, err := g.authenticate(r)
	if err != nil {
		g.logger.Debug("websocket auth failed", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The gateway sits behind the deployment's ingress; origin policy
		// is enforced there.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}

	write := func(ctx context.Context, payload []byte) error {
		return ws.Write(ctx, websocket.MessageText, payload)
	}
	closeFn := func(reason string) {
		_ = ws.Close(websocket.StatusNormalClosure, reason)
	}

	conn, err := g.registry.Register(clientID, write, closeFn)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateConnection) {
			g.rejectHandshake(r.Context(), ws, message.CodeDuplicateConnection, "client already connected to this instance")
			return
		}
		g.logger.Error("registering connection", "client_id", clientID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	g.readLoop(r.Context(), conn, ws)
}

// rejectHandshake sends one error frame and closes the socket.
func (g *Gateway) rejectHandshake(ctx context.Context, ws *websocket.Conn, code, detail string) {
	if payload, err := message.EncodeFrame(message.ErrorFrame(code, detail)); err == nil {
		_ = ws.Write(ctx, websocket.MessageText, payload)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, code)
}

// readLoop processes inbound frames until the connection drops. Outbound
// traffic goes through the connection's send queue; the loop only reads.
func (g *Gateway) readLoop(ctx context.Context, conn *registry.Connection, ws *websocket.Conn) {
	defer g.registry.Remove(conn.ID, "client disconnected")

	logger := g.logger.With("conn_id", conn.ID, "client_id", conn.ClientID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debug("client closed connection")
			} else if ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		if !conn.Allow() {
			g.sendError(conn, message.CodeRateLimited, "send rate exceeded")
			continue
		}

		frame, err := message.DecodeFrame(data)
		if err != nil {
			g.sendError(conn, message.CodeBadFrame, err.Error())
			continue
		}

		g.dispatch(ctx, conn, frame, logger)
	}
}

// dispatch routes one inbound frame.
func (g *Gateway) dispatch(ctx context.Context, conn *registry.Connection, frame *message.Frame, logger *slog.Logger) {
	switch frame.Type {
	case message.FrameSend:
		g.handleSend(ctx, conn, frame)
	case message.FrameSubscribe:
		g.handleSubscribe(ctx, conn, frame)
	case message.FrameUnsubscribe:
		if frame.ChannelID == "" {
			g.sendError(conn, message.CodeBadFrame, "unsubscribe requires channel_id")
			return
		}
		if err := g.registry.Unsubscribe(conn.ID, frame.ChannelID); err != nil {
			logger.Debug("unsubscribe failed", "channel_id", frame.ChannelID, "error", err)
		}
	default:
		g.sendError(conn, message.CodeBadFrame, "unknown frame type "+frame.Type)
	}
}

// handleSend runs the fanout pipeline for one send frame and acks or reports
// the failure on the sender's connection.
func (g *Gateway) handleSend(ctx context.Context, conn *registry.Connection, frame *message.Frame) {
	msg, err := g.coordinator.Ingest(ctx, conn, frame.ChannelID, frame.Body)
	if err != nil {
		var verr *fanout.ValidationError
		if errors.As(err, &verr) {
			g.sendError(conn, verr.Code, verr.Detail)
			return
		}
		g.logger.Warn("send failed after retries",
			"conn_id", conn.ID,
			"channel_id", frame.ChannelID,
			"error", err)
		g.sendError(conn, message.CodeDeliveryFailed, "message could not be accepted, retry")
		return
	}
	g.sendFrame(conn, message.AckFrame(msg))
}

// handleSubscribe validates membership before adding the subscription, so a
// connection only ever receives channels its identity belongs to.
func (g *Gateway) handleSubscribe(ctx context.Context, conn *registry.Connection, frame *message.Frame) {
	if frame.ChannelID == "" {
		g.sendError(conn, message.CodeBadFrame, "subscribe requires channel_id")
		return
	}

	member, err := g.members.IsMember(ctx, conn.ClientID, frame.ChannelID)
	switch {
	case errors.Is(err, membership.ErrUnknownChannel):
		g.sendError(conn, message.CodeUnknownChannel, "no such channel")
		return
	case err != nil:
		g.logger.Warn("membership check failed", "channel_id", frame.ChannelID, "error", err)
		g.sendError(conn, message.CodeDeliveryFailed, "membership unavailable, retry")
		return
	case !member:
		g.sendError(conn, message.CodeNotAMember, "not a member of this channel")
		return
	}

	if err := g.registry.Subscribe(conn.ID, frame.ChannelID); err != nil {
		g.logger.Debug("subscribe failed", "channel_id", frame.ChannelID, "error", err)
	}
}

// sendFrame enqueues a control frame on the connection's send queue.
func (g *Gateway) sendFrame(conn *registry.Connection, frame *message.Frame) {
	payload, err := message.EncodeFrame(frame)
	if err != nil {
		g.logger.Error("encoding frame", "type", frame.Type, "error", err)
		return
	}
	if !conn.Enqueue(payload) {
		g.registry.Remove(conn.ID, "send queue full")
	}
}

func (g *Gateway) sendError(conn *registry.Connection, code, detail string) {
	g.sendFrame(conn, message.ErrorFrame(code, detail))
}
