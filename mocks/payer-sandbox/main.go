// payer-sandbox is a stand-in for an external payer API during local
// development and e2e runs. It speaks both connector dialects: the OAuth2
// client-credentials flow and plain API-key headers.
//
// The decision it returns is controlled by PAYER_SANDBOX_DECISION
// (default "acknowledged"); PAYER_SANDBOX_FAIL_EVERY=n makes every n-th
// request fail with a 503 to exercise retry and circuit-breaker paths.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

type sandbox struct {
	decision  string
	failEvery int64

	requests atomic.Int64
	refSeq   atomic.Int64

	mu     sync.Mutex
	tokens map[string]bool
}

func main() {
	sb := &sandbox{
		decision: envOr("PAYER_SANDBOX_DECISION", "acknowledged"),
		tokens:   make(map[string]bool),
	}
	if raw := os.Getenv("PAYER_SANDBOX_FAIL_EVERY"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			log.Fatalf("invalid PAYER_SANDBOX_FAIL_EVERY: %q", raw)
		}
		sb.failEvery = n
	}

	r := chi.NewRouter()
	r.Post("/oauth/token", sb.handleToken)
	r.Post("/claims/submit", sb.handleSubmit)
	r.Get("/claims/status", sb.handleStatus)

	addr := envOr("PAYER_SANDBOX_ADDR", ":9090")
	log.Printf("payer sandbox listening on %s (decision=%s)", addr, sb.decision)
	log.Fatal(http.ListenAndServe(addr, r))
}

func (s *sandbox) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostFormValue("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if r.PostFormValue("client_id") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	token := hex.EncodeToString(buf)
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *sandbox) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	if s.shouldFail() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})
		return
	}

	var payload struct {
		AuthorizationID string `json:"authorization_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AuthorizationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"reference": fmt.Sprintf("SBX-%06d", s.refSeq.Add(1)),
		"status":    s.decision,
	})
}

func (s *sandbox) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_ref"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reference": ref,
		"status":    s.decision,
	})
}

// authorized accepts either a token minted by handleToken or any non-empty
// API key, matching how lenient a sandbox should be.
func (s *sandbox) authorized(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[auth[len(prefix):]]
}

func (s *sandbox) shouldFail() bool {
	if s.failEvery == 0 {
		return false
	}
	return s.requests.Add(1)%s.failEvery == 0
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
