package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dealwatch/api/internal/auth"
	"dealwatch/api/internal/history"
	"dealwatch/api/internal/relay"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/slack"
	"dealwatch/api/internal/store"
)

const (
	maxBodyBytes     = 1 << 20
	homeTabTimeout   = 10 * time.Second
	readinessTimeout = 5 * time.Second
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Signed by the caller, no bearer token
	if r.Method == http.MethodPost && r.URL.Path == "/api/hswebhook" {
		s.handleHubSpotWebhook(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/slackappinteractivity" {
		s.handleSlackInteractivity(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/slackappeventsub" {
		s.handleSlackEvents(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if parts[0] != "api" && parts[0] != "internal" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	if !s.requireToken(w, r) {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/hsstatus" {
		status, err := s.service.HubSpotStatus(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/slackstatus" {
		check, err := s.service.SlackStatus(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, check)
		return
	}

	if parts[0] == "internal" && len(parts) == 2 {
		s.handleInternal(w, r, parts[1])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.service.Checks() {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()
	query := r.URL.Query()

	switch {
	case r.Method == http.MethodGet && action == "loadStuckDealsPerStage":
		if _, err := s.service.LoadStage(ctx, "api"); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, "Stuck deals per stage: Data loaded")

	case r.Method == http.MethodGet && action == "getAllStuckDealsPerStage":
		snapshot, err := s.service.StageSnapshot(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case r.Method == http.MethodGet && action == "getAllStuckDealsStageValues":
		keys, err := s.service.StageKeys(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keys)

	case r.Method == http.MethodGet && action == "getStuckDealsStageInfo":
		stage, err := s.service.StageInfo(ctx, strings.TrimSpace(query.Get("stage")))
		if err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) {
				writeMessage(w, domainErr.Status, domainErr.Message)
				return
			}
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stage)

	case r.Method == http.MethodGet && action == "loadStuckDealsPerOwner":
		if _, err := s.service.LoadOwner(ctx, "api"); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, "Stuck deals per owner: Data loaded")

	case r.Method == http.MethodGet && action == "getAllStuckDealsPerOwner":
		snapshot, err := s.service.OwnerSnapshot(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case r.Method == http.MethodPost && action == "reportStuckDealsPerStage":
		delivered, err := s.service.ReportStage(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delivered)

	case r.Method == http.MethodPost && action == "reportStuckDealsPerOwner":
		delivered, err := s.service.ReportOwner(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delivered)

	case r.Method == http.MethodGet && action == "searchStuckDeals":
		limit, _ := strconv.Atoi(query.Get("limit"))
		writeJSON(w, http.StatusOK, s.service.SearchDeals(ctx, strings.TrimSpace(query.Get("q")), limit))

	case r.Method == http.MethodGet && action == "snapshotHistory":
		limit, _ := strconv.Atoi(query.Get("limit"))
		commits, err := s.service.SnapshotHistory(query.Get("variant"), limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variant": query.Get("variant"), "commits": commits})

	case r.Method == http.MethodGet && action == "snapshotAt":
		raw, err := s.service.SnapshotAt(query.Get("variant"), query.Get("hash"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, raw)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleHubSpotWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable request body", nil)
		return
	}

	cfg := s.service.cfg
	if cfg.HSValidateSignature {
		signature := r.Header.Get("X-HubSpot-Signature")
		if err := auth.VerifyHubSpotSignature(signature, cfg.HSClientSecret, body); err != nil {
			writeError(w, http.StatusForbidden, "NOT_ALLOWED", "We are not sure if the request comes from your HubSpot", nil)
			return
		}
	}

	events, err := relay.DecodeEvents(body)
	if err != nil {
		var details any = string(body)
		if json.Valid(body) {
			details = json.RawMessage(body)
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "The request body is in wrong format", details)
		return
	}

	response, err := s.service.RelayWebhook(r.Context(), events, json.RawMessage(body))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// verifySlack writes the rejection and returns false when the Slack
// signature check fails.
func (s *HTTPServer) verifySlack(w http.ResponseWriter, r *http.Request, body []byte) bool {
	cfg := s.service.cfg
	if !cfg.SlackValidateSignature {
		return true
	}
	err := slack.VerifyRequest(r.Header, body, cfg.SlackSigningSecret)
	switch {
	case err == nil:
		return true
	case errors.Is(err, slack.ErrStaleRequest):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Request too old or timestamp header missing", nil)
	default:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Invalid Slack signature", nil)
	}
	return false
}

func (s *HTTPServer) handleSlackInteractivity(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable request body", nil)
		return
	}
	if !s.verifySlack(w, r, body) {
		return
	}

	payload := json.RawMessage("{}")
	if form, err := url.ParseQuery(string(body)); err == nil {
		if raw := form.Get("payload"); raw != "" && json.Valid([]byte(raw)) {
			payload = json.RawMessage(raw)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interactivityAllowed": true,
		"message":              "Interactivity is enabled",
		"slackPayload":         payload,
	})
}

func (s *HTTPServer) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid Slack request body JSON", nil)
		return
	}
	if !s.verifySlack(w, r, body) {
		return
	}

	event, err := slack.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unsupported Slack event", nil)
		return
	}
	if event.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": event.Challenge})
		return
	}

	// Slack expects an answer within three seconds.
	if event.HomeOpenedBy != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), homeTabTimeout)
		go func() {
			defer cancel()
			if err := s.service.PublishHome(ctx, event.HomeOpenedBy); err != nil {
				log.Printf("publish home tab for %s failed: %v", event.HomeOpenedBy, err)
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireToken(w http.ResponseWriter, r *http.Request) bool {
	err := auth.CheckBearer(r.Header.Get("Authorization"), s.service.cfg.APIToken)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized, missing header", nil)
	default:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return false
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	if code == "NOT_FOUND" && details == nil {
		writeMessage(w, status, message)
		return
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-HubSpot-Signature")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeMessage is the {message} shape of snapshot lookups.
func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, history.ErrUnknownVariant) {
		return http.StatusBadRequest, "BAD_REQUEST", "variant must be stage or owner", nil
	}
	if errors.Is(err, settings.ErrNotConfigured) {
		return http.StatusServiceUnavailable, "SETTINGS_MISSING", "Settings are not configured", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
