package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types sent by a connected page context.
const (
	FrameLocation = "LOCATION"
	FrameHistory  = "HISTORY_STATE_UPDATED"
	// FrameRegistered is the first frame the server sends on a new tab.
	FrameRegistered = "TAB_REGISTERED"
)

type clientFrame struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type registeredFrame struct {
	Type  string `json:"type"`
	TabID string `json:"tabId"`
}

// wsTab is a page context connected over a websocket.
type wsTab struct {
	id          string
	conn        *websocket.Conn
	pushTimeout time.Duration

	mu  sync.RWMutex
	url string
}

func (t *wsTab) ID() string {
	return t.id
}

func (t *wsTab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

func (t *wsTab) setURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

func (t *wsTab) Push(ctx context.Context, n profileblock.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, t.pushTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, n)
}

func (s *Server) handleTabConnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.String("correlationId", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	tab := &wsTab{
		id:          uuid.NewString(),
		conn:        conn,
		pushTimeout: s.cfg.PushTimeout,
		url:         strings.TrimSpace(r.URL.Query().Get("url")),
	}
	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, registeredFrame{Type: FrameRegistered, TabID: tab.id}); err != nil {
		return
	}

	tabs := s.svc.Tabs()
	tabs.Add(tab)
	defer tabs.Remove(tab.id)
	s.logger.Info("tab connected", zap.String("tab", tab.id), zap.String("correlationId", correlationID))

	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("tab read failed", zap.String("tab", tab.id), zap.Error(err))
			}
			s.logger.Info("tab disconnected", zap.String("tab", tab.id))
			return
		}
		switch frame.Type {
		case FrameLocation:
			tab.setURL(frame.URL)
		case FrameHistory:
			tab.setURL(frame.URL)
			if err := s.svc.HistoryStateUpdated(ctx, tab.id, frame.URL); err != nil {
				s.logger.Debug("history signal not delivered", zap.String("tab", tab.id), zap.Error(err))
			}
		default:
			s.logger.Debug("ignoring unknown tab frame", zap.String("tab", tab.id), zap.String("type", frame.Type))
		}
	}
}

func newCorrelationID() string {
	return "ws_" + uuid.NewString()
}
