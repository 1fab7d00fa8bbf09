package mockapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, dbPath string) *httptest.Server {
	t.Helper()
	s, err := NewServer(dbPath, testLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func ticketBody(title string) TicketRequest {
	return TicketRequest{
		Title:     title,
		Priority:  "High",
		AnomalyID: "a-1",
		Assignee:  "SRE-Team",
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	decodeBody(t, resp, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateTicketAndReplay(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/tickets", "key-1", ticketBody("Investigate: a-1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Idempotent-Replay"))
	var first TicketResponse
	decodeBody(t, resp, &first)
	assert.True(t, strings.HasPrefix(first.TicketID, "TICKET-"))
	assert.Equal(t, "created", first.Status)
	assert.Contains(t, first.Link, first.TicketID)
	assert.Empty(t, first.ReviewURL)

	// Same key replays the stored response verbatim.
	resp = post(t, ts.URL+"/tickets", "key-1", ticketBody("Investigate: a-1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	var replayed TicketResponse
	decodeBody(t, resp, &replayed)
	assert.Equal(t, first.TicketID, replayed.TicketID)

	// A fresh key mints a fresh ticket.
	resp = post(t, ts.URL+"/tickets", "key-2", ticketBody("Investigate: a-2"))
	var second TicketResponse
	decodeBody(t, resp, &second)
	assert.NotEqual(t, first.TicketID, second.TicketID)
}

func TestReviewTicketCarriesReviewURL(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/tickets", "key-r", ticketBody("Review: a-1"))
	var ticket TicketResponse
	decodeBody(t, resp, &ticket)
	assert.Contains(t, ticket.ReviewURL, ticket.TicketID)
}

func TestTicketValidation(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/tickets", "key-v", TicketRequest{Title: "Investigate: a-1"})
	var problem map[string]any
	decodeBody(t, resp, &problem)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.ElementsMatch(t, []any{"priority", "anomaly_id"}, problem["missing"])

	resp = post(t, ts.URL+"/tickets", "", ticketBody("Investigate: a-1"))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSendEmailAndReplay(t *testing.T) {
	ts := newTestServer(t, "")

	body := EmailRequest{Recipient: "manager@company.com", Subject: "Alert: a-1", Body: "spike"}
	resp := post(t, ts.URL+"/emails/send", "key-e", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first EmailResponse
	decodeBody(t, resp, &first)
	assert.NotEmpty(t, first.MessageID)
	assert.Equal(t, "queued", first.Status)

	resp = post(t, ts.URL+"/emails/send", "key-e", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	var replayed EmailResponse
	decodeBody(t, resp, &replayed)
	assert.Equal(t, first.MessageID, replayed.MessageID)
}

func TestEmailValidation(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/emails/send", "key-e", EmailRequest{Recipient: "x@y.dev"})
	var problem map[string]any
	decodeBody(t, resp, &problem)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.ElementsMatch(t, []any{"subject", "body"}, problem["missing"])
}

func TestChaosRateLimit(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/admin/chaos", "", ChaosConfig{Enabled: true, FailureRate: 1.0, SimulateRateLimit: true})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/tickets", "key-c", ticketBody("Investigate: a-1"))
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// Disabling chaos restores service.
	resp = post(t, ts.URL+"/admin/chaos", "", ChaosConfig{Enabled: false})
	resp.Body.Close()
	resp = post(t, ts.URL+"/tickets", "key-c", ticketBody("Investigate: a-1"))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestChaosServerError(t *testing.T) {
	ts := newTestServer(t, "")

	resp := post(t, ts.URL+"/admin/chaos", "", ChaosConfig{Enabled: true, FailureRate: 1.0})
	resp.Body.Close()

	resp = post(t, ts.URL+"/emails/send", "key-c", EmailRequest{Recipient: "a@b.dev", Subject: "s", Body: "b"})
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAdminRequestsCaptured(t *testing.T) {
	ts := newTestServer(t, "")

	post(t, ts.URL+"/tickets", "key-1", ticketBody("Investigate: a-1")).Body.Close()
	post(t, ts.URL+"/emails/send", "key-2", EmailRequest{Recipient: "a@b.dev", Subject: "s", Body: "b"}).Body.Close()

	resp, err := http.Get(ts.URL + "/admin/requests")
	require.NoError(t, err)
	var captured []CapturedRequest
	decodeBody(t, resp, &captured)
	require.Len(t, captured, 2)
	assert.Equal(t, "/tickets", captured[0].Path)
	assert.Equal(t, "key-1", captured[0].IdempotencyKey)
	assert.Equal(t, "/emails/send", captured[1].Path)
	assert.Contains(t, string(captured[0].Body), "Investigate: a-1")
}

func TestStoreSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mock_db.json")

	ts := newTestServer(t, dbPath)
	resp := post(t, ts.URL+"/tickets", "key-p", ticketBody("Investigate: a-1"))
	var first TicketResponse
	decodeBody(t, resp, &first)
	ts.Close()

	restarted := newTestServer(t, dbPath)
	resp = post(t, restarted.URL+"/tickets", "key-p", ticketBody("Investigate: a-1"))
	assert.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	var replayed TicketResponse
	decodeBody(t, resp, &replayed)
	assert.Equal(t, first.TicketID, replayed.TicketID)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
