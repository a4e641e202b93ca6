package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are already screened by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is one client message on the session stream.
type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// streamChanges upgrades to a websocket carrying file-change events for the
// session's workspace. The subscription is keyed by working directory, so it
// works whether or not the session itself is live.
func (h *Handler) streamChanges(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeClientError(w, http.StatusServiceUnavailable, "change notifications unavailable")
		return
	}
	workDir := h.registry.WorkDir(chi.URLParam(r, "id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.notifier.Subscribe(ctx, workDir)

	// Drain inbound frames so close handshakes are observed; any read error
	// cancels the subscription.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// streamSession upgrades to a websocket and bridges it onto the session:
// inbound frames become commands, session events flow back as JSON frames.
// Closing the socket only detaches the subscriber; the session stays alive.
func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID, _ := auth.UserID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := h.registry.GetOrCreate(sessionID)
	if err != nil {
		// Process start failure is terminal for this request; tell the
		// client before hanging up.
		conn.WriteJSON(session.Event{
			Type:      "error",
			SessionID: sessionID,
			Message:   err.Error(),
			Time:      time.Now(),
		})
		return
	}

	if h.db != nil {
		if err := h.db.TouchSession(r.Context(), sess.ID, sess.WorkDir); err != nil {
			h.logger.Warn("session touch failed", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	events, subID := sess.Attach()
	defer sess.Detach(subID)

	log := h.logger.With(zap.String("session", sess.ID), zap.String("subscriber", subID))
	log.Info("stream attached")

	// All socket writes go through the writer goroutine; gorilla allows only
	// one concurrent writer. The read loop pushes synchronous dispatch
	// failures onto outbound instead of writing directly.
	outbound := make(chan session.Event, 8)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case ev := <-outbound:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("stream detached", zap.Error(err))
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case session.CommandPrompt, session.CommandSteer, session.CommandAbort:
		default:
			log.Debug("dropping unknown frame type", zap.String("type", frame.Type))
			continue
		}
		cmd := session.Command{
			Type:   frame.Type,
			Text:   frame.Text,
			UserID: userID,
			Origin: subID,
		}
		if err := sess.Dispatch(cmd); err != nil {
			ev := session.Event{
				Type:      "error",
				SessionID: sess.ID,
				Command:   frame.Type,
				Message:   err.Error(),
				Time:      time.Now(),
			}
			select {
			case outbound <- ev:
			default:
			}
			if err == session.ErrSessionClosed {
				return
			}
		}
	}
}
