package pagelink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	frameLocation   = "LOCATION"
	frameHistory    = "HISTORY_STATE_UPDATED"
	frameRegistered = "TAB_REGISTERED"
)

type tabFrame struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	TabID string `json:"tabId,omitempty"`
}

// TabConn is this page context's registration with the daemon. The daemon
// pushes notifications over it; the page reports its location back.
type TabConn struct {
	conn *websocket.Conn
	id   string
}

// DialTab registers a tab at the daemon behind client and waits for the
// daemon to assign it an ID.
func DialTab(ctx context.Context, client *HTTPClient, pageURL string) (*TabConn, error) {
	endpoint, err := url.Parse(client.BaseURL() + "/v1/tabs/connect")
	if err != nil {
		return nil, err
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	query := endpoint.Query()
	query.Set("url", pageURL)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+client.Token())
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("connect tab: %w", err)
	}

	var hello tabFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("tab registration: %w", err)
	}
	if hello.Type != frameRegistered || strings.TrimSpace(hello.TabID) == "" {
		conn.Close(websocket.StatusProtocolError, "expected registration")
		return nil, fmt.Errorf("tab registration: unexpected frame %q", hello.Type)
	}
	return &TabConn{conn: conn, id: hello.TabID}, nil
}

func (t *TabConn) ID() string {
	return t.id
}

func (t *TabConn) ReportLocation(ctx context.Context, pageURL string) error {
	return wsjson.Write(ctx, t.conn, tabFrame{Type: frameLocation, URL: pageURL})
}

// ReportHistoryState tells the daemon this tab made a same-document
// navigation; the daemon answers with a URL_CHANGED notification.
func (t *TabConn) ReportHistoryState(ctx context.Context, pageURL string) error {
	return wsjson.Write(ctx, t.conn, tabFrame{Type: frameHistory, URL: pageURL})
}

// Run delivers notifications to handle until the connection closes or ctx
// is done. A normal closure returns nil.
func (t *TabConn) Run(ctx context.Context, handle func(context.Context, profileblock.Notification)) error {
	for {
		var n profileblock.Notification
		if err := wsjson.Read(ctx, t.conn, &n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		handle(ctx, n)
	}
}

func (t *TabConn) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
