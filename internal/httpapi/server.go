package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"go.uber.org/zap"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// PushTimeout bounds a single notification write to a connected tab.
	PushTimeout time.Duration
	// OriginPatterns lists extra origins allowed to open tab websockets.
	OriginPatterns []string
	Logger         *zap.Logger
}

type Server struct {
	svc         *profileblock.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type blockedUserView struct {
	Username    string `json:"username"`
	AddedDate   int64  `json:"addedDate"`
	AddedFrom   string `json:"addedFrom,omitempty"`
	CustomDelay *int   `json:"customDelay"`
}

type tabView struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Matching bool   `json:"matching"`
}

func NewServer(svc *profileblock.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *profileblock.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DefaultJWTSecret
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		// Scope depends on the message type and is checked by the handler.
		route = "messages"
	case len(parts) == 3 && parts[1] == "tabs" && parts[2] == "connect" && r.Method == http.MethodGet:
		requiredScope = ScopeTabs
		route = "tabs_connect"
	case len(parts) == 4 && parts[1] == "tabs" && parts[3] == "history" && r.Method == http.MethodPost:
		requiredScope = ScopeTabs
		route = "tab_history"
	case len(parts) == 2 && parts[1] == "tabs" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "tabs_list"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "settings_get"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodPatch:
		requiredScope = ScopeWrite
		route = "settings_patch"
	case len(parts) == 2 && parts[1] == "blocked" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "blocked_list"
	case len(parts) == 2 && parts[1] == "blocked" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "blocked_clear"
	case len(parts) == 4 && parts[1] == "blocked" && parts[3] == "delay" && r.Method == http.MethodPut:
		requiredScope = ScopeWrite
		route = "blocked_delay"
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "export"
	case len(parts) == 2 && parts[1] == "import" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "import"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "tabs_connect" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route == "tabs_connect" {
		correlationID = newCorrelationID()
	}
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "messages":
		s.handleMessage(w, r, claims, correlationID)
	case "tabs_connect":
		s.handleTabConnect(w, r, correlationID)
	case "tab_history":
		s.handleTabHistory(w, r, parts[2], correlationID)
	case "tabs_list":
		s.handleTabsList(w, r, correlationID)
	case "settings_get":
		s.handleSettingsGet(w, r, correlationID)
	case "settings_patch":
		s.handleSettingsPatch(w, r, correlationID)
	case "blocked_list":
		s.handleBlockedList(w, r, correlationID)
	case "blocked_clear":
		s.handleBlockedClear(w, r, correlationID)
	case "blocked_delay":
		s.handleBlockedDelay(w, r, parts[2], correlationID)
	case "export":
		s.handleExport(w, r, correlationID)
	case "import":
		s.handleImport(w, r, correlationID)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req profileblock.Request
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	scope := ScopeRead
	if req.Type.Mutating() {
		scope = ScopeWrite
	}
	if !hasAnyScope(claims.Scopes, scope) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+scope, correlationID)
		return
	}
	resp, err := s.svc.Send(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTabHistory(w http.ResponseWriter, r *http.Request, tabID, correlationID string) {
	var body struct {
		URL string `json:"url"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url", correlationID)
		return
	}
	if err := s.svc.HistoryStateUpdated(r.Context(), tabID, body.URL); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": true, "correlationId": correlationID})
}

func (s *Server) handleTabsList(w http.ResponseWriter, _ *http.Request, _ string) {
	tabs := s.svc.Tabs()
	out := []tabView{}
	for _, tab := range tabs.All() {
		out = append(out, tabView{ID: tab.ID(), URL: tab.URL(), Matching: tabs.MatchesSite(tab.URL())})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tabs": out})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request, correlationID string) {
	settings, err := s.svc.Store().GetSettings(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSettingsPatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var patch profileblock.SettingsPatch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	settings, err := s.svc.Store().UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleBlockedList(w http.ResponseWriter, r *http.Request, correlationID string) {
	records, err := s.svc.Store().List(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	users := make([]blockedUserView, 0, len(records))
	for _, rec := range records {
		users = append(users, blockedUserView{
			Username:    rec.Username,
			AddedDate:   rec.AddedDate,
			AddedFrom:   rec.AddedFrom,
			CustomDelay: rec.CustomDelay,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleBlockedClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.svc.ClearAll(r.Context()); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, profileblock.Response{Success: boolPtr(true)})
}

func (s *Server) handleBlockedDelay(w http.ResponseWriter, r *http.Request, username, correlationID string) {
	var body struct {
		Delay *int `json:"delay"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.svc.Store().SetCustomDelay(r.Context(), username, body.Delay); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, profileblock.Response{Success: boolPtr(true)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, correlationID string) {
	bundle, err := s.svc.Store().ExportAll(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.svc.ImportJSON(r.Context(), body); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, profileblock.Response{Success: boolPtr(true)})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, profileblock.ErrInvalidImportFormat):
		status, code = http.StatusUnprocessableEntity, "invalid_import"
	case errors.Is(err, profileblock.ErrInvalidInput), errors.Is(err, profileblock.ErrInvalidSettings):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, profileblock.ErrTabNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, profileblock.ErrDeliveryFailure):
		status, code = http.StatusBadGateway, "delivery_failed"
	case errors.Is(err, profileblock.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, profileblock.ErrNotImplemented):
		status, code = http.StatusNotImplemented, "not_implemented"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("correlationId", correlationID),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func boolPtr(v bool) *bool { return &v }
