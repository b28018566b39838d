package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/querytrace/querytrace/internal/auth"
	"github.com/querytrace/querytrace/internal/killswitch"
	"github.com/querytrace/querytrace/internal/session"
	"github.com/querytrace/querytrace/internal/trace"
)

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := trace.SessionFilter{
		SlowOnly: r.URL.Query().Get("slow") == "true",
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, total, err := s.store.ListSessions(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*trace.Session{}
	}

	writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.store.ListEvents(trace.EventFilter{SessionID: id, Limit: -1})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Replica events may be written without a summary row.
	if sess == nil && len(events) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if events == nil {
		events = []*trace.Event{}
	}

	writeJSON(w, map[string]interface{}{
		"session": sess,
		"events":  events,
	})
}

func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	valid, brokenAt, err := s.store.VerifyHashChain(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"session_id": id,
		"valid":      valid,
		"broken_at":  brokenAt,
	})
}

// --- Live sessions ---

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	registry := s.backend.Registry()

	var active []session.Entry
	if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
		active = registry.ListTrace(traceID)
	} else {
		active = registry.List()
	}
	if active == nil {
		active = []session.Entry{}
	}

	writeJSON(w, map[string]interface{}{
		"sessions": active,
		"total":    len(active),
	})
}

// --- Config ---

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfgLoader == nil {
		writeError(w, http.StatusBadRequest, "no config loader")
		return
	}
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, "failed to reload: "+err.Error())
		return
	}
	if err := s.backend.Reconfigure(s.cfgLoader.Get().Tracing); err != nil {
		writeError(w, http.StatusBadRequest, "failed to apply: "+err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// --- Kill switch ---

type killSwitchRequest struct {
	Scope   string `json:"scope"`
	TraceID string `json:"trace_id"`
	Reason  string `json:"reason"`
}

func (s *Server) decodeKillSwitchRequest(w http.ResponseWriter, r *http.Request) (killswitch.Scope, killSwitchRequest, bool) {
	if s.killSwitch == nil {
		writeError(w, http.StatusBadRequest, "kill switch is not configured")
		return "", killSwitchRequest{}, false
	}
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", req, false
	}
	scope, err := killswitch.ParseScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", req, false
	}
	if scope == killswitch.ScopeTrace && req.TraceID == "" {
		writeError(w, http.StatusBadRequest, "trace_id is required for trace scope")
		return "", req, false
	}
	return scope, req, true
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	if s.killSwitch == nil {
		writeError(w, http.StatusBadRequest, "kill switch is not configured")
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":  s.killSwitch.Status(),
		"history": s.killSwitch.History(),
	})
}

func (s *Server) handleKillSwitchTrigger(w http.ResponseWriter, r *http.Request) {
	scope, req, ok := s.decodeKillSwitchRequest(w, r)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "triggered via API"
	}
	if scope == killswitch.ScopeTrace {
		s.killSwitch.TriggerTrace(req.TraceID, reason, killswitch.SourceAPI)
	} else {
		s.killSwitch.TriggerGlobal(reason, killswitch.SourceAPI)
	}
	writeJSON(w, map[string]string{"status": "triggered", "scope": string(scope)})
}

func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	scope, req, ok := s.decodeKillSwitchRequest(w, r)
	if !ok {
		return
	}
	if scope == killswitch.ScopeTrace {
		s.killSwitch.ResetTrace(req.TraceID)
	} else {
		s.killSwitch.ResetGlobal()
	}
	writeJSON(w, map[string]string{"status": "reset", "scope": string(scope)})
}

// --- Tokens ---

type createTokenRequest struct {
	Role     string `json:"role"`
	SourceIP string `json:"source_ip"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusBadRequest, "auth is not enabled")
		return
	}
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.tokens.CreateToken(role, req.SourceIP)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]interface{}{
		"id":         token.ID,
		"secret":     token.Secret,
		"role":       token.Role,
		"expires_at": token.ExpiresAt,
	})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.Stats()
	status := "ok"
	if !stats.Running {
		status = "stopped"
	} else if stats.Killed {
		status = "killed"
	} else if stats.Breaker != "closed" {
		status = "degraded"
	}
	writeJSON(w, map[string]string{
		"status":  status,
		"breaker": stats.Breaker,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.GetSystemStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"store":      stored,
		"backend":    s.backend.Stats(),
		"ws_clients": s.wsHub.ClientCount(),
		"ws_dropped": s.wsHub.Dropped(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
