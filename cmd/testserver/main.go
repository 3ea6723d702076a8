// testserver starts an Arbiter API server wired to an in-process stub judge
// engine that executes nothing and delivers canned verdicts via callback.
// Usage: go run ./cmd/testserver
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/hamlin/arbiter/internal/api"
	"github.com/hamlin/arbiter/internal/dispatch"
	"github.com/hamlin/arbiter/internal/judge"
	"github.com/hamlin/arbiter/internal/store"
)

const (
	apiAddr    = ":8080"
	engineAddr = ":2358"
	jwtSecret  = "testserver-secret"
)

// stubEngine fakes the judge engine: it acknowledges submissions with a token
// and after a short delay delivers an Accepted verdict to the callback URL.
type stubEngine struct {
	mu     sync.Mutex
	tokens map[string]string // token -> callback URL
	delay  time.Duration
}

func (e *stubEngine) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackURL string `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	token := ulid.Make().String()
	e.mu.Lock()
	e.tokens[token] = req.CallbackURL
	e.mu.Unlock()

	time.AfterFunc(e.delay, func() { e.deliver(token) })

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (e *stubEngine) deliver(token string) {
	e.mu.Lock()
	callbackURL := e.tokens[token]
	e.mu.Unlock()
	if callbackURL == "" {
		return
	}

	verdict := judge.Verdict{
		Token:  token,
		Status: judge.Status{ID: judge.StatusAccepted, Description: "Accepted"},
		Stdout: "hello from stub engine\n",
		Time:   "0.004",
		Memory: 2048,
	}
	body, _ := json.Marshal(verdict)

	req, err := http.NewRequest(http.MethodPut, callbackURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("build callback request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("deliver callback for %s: %v", token, err)
		return
	}
	resp.Body.Close()
}

// mintToken prints a ready-to-use bearer token for manual testing.
func mintToken(userID string) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	return raw
}

func main() {
	engine := &stubEngine{tokens: make(map[string]string), delay: 500 * time.Millisecond}
	engineMux := http.NewServeMux()
	engineMux.HandleFunc("POST /submissions", engine.handleSubmit)
	go func() {
		if err := http.ListenAndServe(engineAddr, engineMux); err != nil {
			log.Fatalf("stub engine: %v", err)
		}
	}()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	gateway := judge.NewClient(judge.Config{
		URL:         "http://localhost" + engineAddr,
		CallbackURL: "http://localhost" + apiAddr + "/v1/callbacks/judge",
	})
	dispatcher := dispatch.NewDispatcher(db, gateway, logger, 0)

	srv := api.NewServer(api.Config{
		Addr:      apiAddr,
		JWTSecret: []byte(jwtSecret),
	}, db, dispatcher, logger)

	logger.Info("testserver: starting", "addr", apiAddr, "engine_addr", engineAddr)
	logger.Info("testserver: bearer token for user-1", "token", mintToken("user-1"))
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
