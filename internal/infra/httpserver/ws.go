package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bryanwahyu/automaton-review/internal/application/access"
	appanalysis "github.com/bryanwahyu/automaton-review/internal/application/analysis"
	"github.com/bryanwahyu/automaton-review/internal/application/notify"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/middleware"
)

// Client to server message types.
const (
	MsgStartAnalysis  = "start_analysis"
	MsgCancelAnalysis = "cancel_analysis"
	MsgGetStatus      = "get_status"
	MsgSubscribe      = "subscribe"
	MsgUnsubscribe    = "unsubscribe"
)

type WSConfig struct {
	ReadLimit    int64         // max inbound message bytes
	PingInterval time.Duration // server pings; the peer must answer within 2x
	WriteTimeout time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultMaxBodyBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// clientMessage is every inbound message; Type picks which fields matter.
type clientMessage struct {
	Type        string        `json:"type"`
	AnalysisID  domain.ID     `json:"analysis_id,omitempty"`
	AnalysisIDs []domain.ID   `json:"analysis_ids,omitempty"`
	Start       *StartRequest `json:"-"`
}

func (m *clientMessage) UnmarshalJSON(b []byte) error {
	type plain clientMessage
	if err := json.Unmarshal(b, (*plain)(m)); err != nil {
		return err
	}
	if m.Type == MsgStartAnalysis {
		var s StartRequest
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		m.Start = &s
	}
	return nil
}

// wsConn implements notify.Conn. gorilla allows one concurrent writer, hence the mutex.
type wsConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) Send(ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(ev)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

type wsHandler struct {
	svc      *appanalysis.Service
	cfg      WSConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func newWSHandler(svc *appanalysis.Service, cfg WSConfig, origins []string, logger *slog.Logger) *wsHandler {
	h := &wsHandler{svc: svc, cfg: cfg.withDefaults(), log: logger.With("component", "ws")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// GET /v1/ws?session_id=...
// Without session_id the server assigns one and announces it in a session event.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	session := req.URL.Query().Get("session_id")
	if session == "" {
		session = uuid.NewString()
	} else if err := middleware.ValidateSessionID(session); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw, writeTimeout: h.cfg.WriteTimeout}
	c := access.Claim{SessionID: session, IP: middleware.ClientIP(req)}
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	h.log.Info("websocket connected", "session_id", session, "ip", c.IP)
	if err := conn.Send(notify.Event{Type: notify.EventSession, SessionID: session}); err != nil {
		return
	}
	if h.svc.Hub != nil {
		h.svc.Hub.Attach(ctx, session, conn)
		defer h.svc.Hub.Detach(session, conn)
	}

	raw.SetReadLimit(h.cfg.ReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})
	go h.keepAlive(ctx, conn)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", "session_id", session, "err", err)
			}
			break
		}
		_ = raw.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Send(notify.ErrorEvent("", fmt.Errorf("%w: malformed message", domain.ErrValidation)))
			continue
		}
		h.dispatch(ctx, conn, c, msg)
	}
	h.log.Info("websocket disconnected", "session_id", session)
}

func (h *wsHandler) keepAlive(ctx context.Context, conn *wsConn) {
	t := time.NewTicker(h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (h *wsHandler) dispatch(ctx context.Context, conn *wsConn, c access.Claim, msg clientMessage) {
	switch msg.Type {
	case MsgStartAnalysis:
		if err := middleware.Validate(msg.Start); err != nil {
			h.reply(conn, "", err)
			return
		}
		rec, err := h.svc.Start(ctx, msg.Start.command(c))
		if err != nil {
			h.reply(conn, "", err)
			return
		}
		if h.svc.Hub != nil {
			// through the subscription, the job may already have finished
			h.svc.Hub.Acknowledge(c.SessionID, rec)
		} else {
			_ = conn.Send(notify.StatusEvent(rec))
		}

	case MsgCancelAnalysis:
		if msg.AnalysisID == "" {
			h.reply(conn, "", fmt.Errorf("%w: analysis_id is required", domain.ErrValidation))
			return
		}
		if _, err := h.svc.Cancel(ctx, msg.AnalysisID, c); err != nil {
			h.reply(conn, msg.AnalysisID, err)
		}
		// the cancelled event reaches subscribers through the hub

	case MsgGetStatus:
		view, err := h.svc.Status(ctx, msg.AnalysisID, c)
		if err != nil {
			h.reply(conn, msg.AnalysisID, err)
			return
		}
		_ = conn.Send(notify.Event{Type: notify.EventStatus, AnalysisID: view.ID, Status: view.Status, Payload: view})

	case MsgSubscribe:
		ids := msg.AnalysisIDs
		if msg.AnalysisID != "" {
			ids = append(ids, msg.AnalysisID)
		}
		if len(ids) == 0 {
			h.reply(conn, "", fmt.Errorf("%w: analysis_id or analysis_ids is required", domain.ErrValidation))
			return
		}
		if h.svc.Hub == nil {
			h.reply(conn, "", errors.New("notifications are disabled"))
			return
		}
		for _, id := range ids {
			if _, err := h.svc.Hub.Resubscribe(ctx, c, id); err != nil {
				h.reply(conn, id, err)
			}
		}

	case MsgUnsubscribe:
		if h.svc.Hub != nil && msg.AnalysisID != "" {
			h.svc.Hub.Unsubscribe(c.SessionID, msg.AnalysisID)
		}

	default:
		h.reply(conn, msg.AnalysisID, fmt.Errorf("%w: unknown message type %q", domain.ErrValidation, msg.Type))
	}
}

// reply sends an error event; internal failures are logged and not echoed.
func (h *wsHandler) reply(conn *wsConn, id domain.ID, err error) {
	if StatusFor(err) == http.StatusInternalServerError {
		h.log.Error("websocket request failed", "analysis_id", id, "err", err)
		err = errors.New("internal error")
	}
	_ = conn.Send(notify.ErrorEvent(id, err))
}
