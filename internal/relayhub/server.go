package relayhub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type ServerConfig struct {
	// JWTSecret signs bearer tokens. Empty disables authentication.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowOrigins lists host patterns browsers may connect from. Clients
	// that send no Origin header are always accepted.
	AllowOrigins []string
	Logger       Logger
}

type Server struct {
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *hub
	entities    *entityStore
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

func NewServer() *Server {
	return NewServerWithConfig(ServerConfig{})
}

func NewServerWithConfig(cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newHub(cfg.Logger),
		entities:    newEntityStore(),
	}
}

// Channels reports the live subscriber count of every channel.
func (s *Server) Channels() []ChannelStats {
	return s.hub.stats()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	if len(parts) == 2 && parts[0] == "channels" && r.Method == http.MethodGet {
		s.handleSubscribe(w, r, parts[1])
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "channels" && r.Method == http.MethodGet:
		requiredScope = scopeChannelsRead
		route = "channels"
	case len(parts) == 4 && parts[1] == "channels" && parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = scopeChannelsWrite
		route = "publish"
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodPost:
		requiredScope = scopeEntitiesWrite
		route = "entity_create"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = scopeEntitiesWrite
		route = "entity_get"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodPut:
		requiredScope = scopeEntitiesWrite
		route = "entity_put"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodDelete:
		requiredScope = scopeEntitiesWrite
		route = "entity_delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.allow(w, r, claims, correlationID) {
		return
	}

	segments, ok := unescapeSegments(parts[2:])
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid path escape", correlationID)
		return
	}
	switch route {
	case "channels":
		writeJSON(w, http.StatusOK, map[string]any{"channels": s.hub.stats()})
	case "publish":
		s.handlePublish(w, r, segments[0], correlationID)
	case "entity_create":
		s.handleEntityCreate(w, r, segments[0], correlationID)
	case "entity_get":
		s.handleEntityGet(w, segments[0], segments[1], correlationID)
	case "entity_put":
		s.handleEntityPut(w, r, segments[0], segments[1], correlationID)
	case "entity_delete":
		s.handleEntityDelete(w, r, segments[0], segments[1], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleSubscribe upgrades to a websocket and joins the connection to the
// channel. Every frame the connection sends goes to the channel's other
// connections.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, rawName string) {
	name, err := url.PathUnescape(rawName)
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid channel name", getCorrelationID(r))
		return
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scopeChannelsRead, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !s.allow(w, r, claims, getCorrelationID(r)) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		// Accept has already answered the request.
		logf(s.cfg.Logger, "relay upgrade for %s failed: %v", name, err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	p := &peer{conn: conn, subject: claims.Subject, send: make(chan []byte, peerSendBuffer)}
	s.hub.join(name, p)
	defer s.hub.leave(name, p)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go p.writeLoop(ctx, cancel)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logf(s.cfg.Logger, "relay connection %s on %s ended: %v", claims.Subject, name, err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.hub.broadcast(name, p, data)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, channel, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	delivered := s.hub.broadcast(channel, nil, body)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"channel":       channel,
		"delivered":     delivered,
		"correlationId": correlationID,
	})
}

func (s *Server) handleEntityCreate(w http.ResponseWriter, r *http.Request, entityType, correlationID string) {
	var record map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be a json object", correlationID)
		return
	}
	result, err := s.entities.create(entityType, record)
	if err != nil {
		s.writeEntityError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", result.Revision)
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, entityType, id, correlationID string) {
	result, err := s.entities.get(entityType, id)
	if err != nil {
		s.writeEntityError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", result.Revision)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEntityPut(w http.ResponseWriter, r *http.Request, entityType, id, correlationID string) {
	var record map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be a json object", correlationID)
		return
	}
	result, err := s.entities.put(entityType, id, normalizeIfMatchHeader(r.Header.Get("If-Match")), record)
	if err != nil {
		s.writeEntityError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", result.Revision)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEntityDelete(w http.ResponseWriter, r *http.Request, entityType, id, correlationID string) {
	result, err := s.entities.delete(entityType, id, normalizeIfMatchHeader(r.Header.Get("If-Match")))
	if err != nil {
		s.writeEntityError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeEntityError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *revisionConflict
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          err.Error(),
			"correlationId":    correlationID,
			"expectedRevision": conflict.expected,
			"currentRevision":  conflict.current,
		})
	case errors.Is(err, errEntityExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error(), correlationID)
	case errors.Is(err, errEntityNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := claims.Subject
	if key == anonymousSubject {
		key += "|" + remoteHost(r)
	}
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func unescapeSegments(parts []string) ([]string, bool) {
	out := make([]string, len(parts))
	for i, part := range parts {
		value, err := url.PathUnescape(part)
		if err != nil || strings.TrimSpace(value) == "" {
			return nil, false
		}
		out[i] = value
	}
	return out, true
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

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
