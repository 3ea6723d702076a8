package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hamlin/arbiter/internal/judge"
	"github.com/hamlin/arbiter/internal/model"
)

func TestSubmitAttemptAccepted(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{token: "tok-ok"}, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"source_code":"print(1)","language_id":71,"stdin":"5"}`
	req := authedRequest(t, http.MethodPost, ts.URL+"/v1/attempts", "user-1", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/attempts: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	var a model.Attempt
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(a.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(a.ID))
	}
	if a.Status != model.StatusProcessing {
		t.Errorf("Status = %q, want %q", a.Status, model.StatusProcessing)
	}
	if a.Token != "tok-ok" {
		t.Errorf("Token = %q, want tok-ok", a.Token)
	}
	if a.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", a.UserID)
	}
	if model.Terminal(a.Status) {
		t.Errorf("synchronous response carries terminal status %q", a.Status)
	}
}

func TestSubmitAttemptEngineDownStillAccepted(t *testing.T) {
	g := &stubGateway{submitErr: &judge.UnavailableError{Err: errors.New("dial tcp: connection refused")}}
	srv, _ := newTestServer(t, g, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"source_code":"print(1)","language_id":71}`
	req := authedRequest(t, http.MethodPost, ts.URL+"/v1/attempts", "user-1", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/attempts: %v", err)
	}
	defer resp.Body.Close()

	// The client already got its attempt; the dispatch failure is visible
	// only through the attempt's own status.
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	var a model.Attempt
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if a.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", a.Status, model.StatusFailed)
	}
	if a.Message == "" {
		t.Error("Message is empty, want failure reason")
	}
	if a.Token != "" {
		t.Errorf("Token = %q, want empty", a.Token)
	}
}

func TestSubmitAttemptValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{token: "tok"}, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `not json`},
		{"missing source_code", `{"language_id":71}`},
		{"missing language_id", `{"source_code":"print(1)"}`},
		{"negative language_id", `{"source_code":"print(1)","language_id":-3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authedRequest(t, http.MethodPost, ts.URL+"/v1/attempts", "user-1", bytes.NewBufferString(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST /v1/attempts: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetAttemptOwnership(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{token: "tok-own"}, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"source_code":"print(1)","language_id":71}`
	req := authedRequest(t, http.MethodPost, ts.URL+"/v1/attempts", "user-1", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/attempts: %v", err)
	}
	var a model.Attempt
	json.NewDecoder(resp.Body).Decode(&a)
	resp.Body.Close()

	// Owner sees the attempt.
	req = authedRequest(t, http.MethodGet, ts.URL+"/v1/attempts/"+a.ID, "user-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/attempts/{id}: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner status = %d, want 200", resp.StatusCode)
	}

	// Another user is refused even though the attempt exists.
	req = authedRequest(t, http.MethodGet, ts.URL+"/v1/attempts/"+a.ID, "user-2", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET as other user: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-owner status = %d, want 403", resp.StatusCode)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{}, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := authedRequest(t, http.MethodGet, ts.URL+"/v1/attempts/"+model.NewID(), "user-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET missing attempt: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListAttemptsOnlyOwn(t *testing.T) {
	srv, _ := newTestServer(t, &stubGateway{}, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	submit := func(userID string) {
		t.Helper()
		body := `{"source_code":"print(1)","language_id":71}`
		req := authedRequest(t, http.MethodPost, ts.URL+"/v1/attempts", userID, bytes.NewBufferString(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST /v1/attempts: %v", err)
		}
		resp.Body.Close()
	}
	submit("user-1")
	submit("user-2")

	req := authedRequest(t, http.MethodGet, ts.URL+"/v1/attempts", "user-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/attempts: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var list listAttemptsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("Total = %d, want 1", list.Total)
	}
	for _, a := range list.Attempts {
		if a.UserID != "user-1" {
			t.Errorf("listed attempt owned by %q, want user-1", a.UserID)
		}
	}
}
