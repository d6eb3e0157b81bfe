package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"salescoach/api/internal/config"
	"salescoach/api/internal/content"
	"salescoach/api/internal/logger"
	"salescoach/api/internal/metrics"
	"salescoach/api/internal/search"
)

// pingStore embeds nothing but Ping; only health endpoints touch it.
type pingStore struct {
	ContentStore
	pingFn func(context.Context) error
}

func (f *pingStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestHTTPServer(t *testing.T) (*HTTPServer, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	return NewHTTPServer(svc, "*", logger.Nop()), svc
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rr := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpointReportsStoreFailure(t *testing.T) {
	log := logger.Nop()
	svc := New(config.Config{}, &pingStore{pingFn: func(context.Context) error {
		return errors.New("connection refused")
	}}, nil, search.NewService(nil, nil, log), log, metrics.New())
	server := NewHTTPServer(svc, "*", log)

	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var response struct {
		OK     bool                      `json:"ok"`
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decodeResponse(t, rr, &response)
	if response.OK || response.Status != "not_ready" {
		t.Fatalf("unexpected readiness: %+v", response)
	}
	if response.Checks["store"]["error"] != "connection refused" {
		t.Fatalf("expected store error, got %v", response.Checks["store"])
	}
}

func TestReadyEndpointOK(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	if _, err := svc.FullSync(context.Background(), "team-a"); err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}
	rr := doRequest(t, server, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "coach_sync_requests_total") {
		t.Fatalf("expected sync counter in exposition, got %s", rr.Body.String())
	}
}

func TestSyncRequiresCredential(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rr := doRequest(t, server, http.MethodGet, "/api/sync", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodGet, "/api/sync", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for garbage token, got %d", rr.Code)
	}
}

func TestSyncFullAndIncrementalOverHTTP(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	manager := issueTestToken(t, "team-a", "manager", "jti-m")
	rep := issueTestToken(t, "team-a", "rep", "jti-r")

	rr := doRequest(t, server, http.MethodPut, "/api/content/objections/obj-1", manager, `{"name":"price","variations":["too expensive"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/sync", rep, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var full content.SyncResponse
	decodeResponse(t, rr, &full)
	if len(full.Objections) != 1 || full.Objections[0].ID != "obj-1" {
		t.Fatalf("unexpected full sync: %+v", full)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/content/playbook/pb-1", manager, `{"title":"Discovery"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}

	since := url.QueryEscape(full.SyncedAt.Format(time.RFC3339Nano))
	rr = doRequest(t, server, http.MethodGet, "/api/sync?since="+since, rep, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var incremental content.SyncResponse
	decodeResponse(t, rr, &incremental)
	if len(incremental.Objections) != 0 || len(incremental.Playbooks) != 1 {
		t.Fatalf("expected only the new playbook, got %+v", incremental)
	}
	if !incremental.SyncedAt.After(full.SyncedAt) {
		t.Fatalf("expected watermark to advance")
	}
}

func TestSyncWithExpiredWatermarkReturnsGone(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	rep := issueTestToken(t, "team-a", "rep", "jti-r")
	if _, _, err := svc.Mutate(context.Background(), "team-a", content.KindObjection, "obj-1", objection("price")); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	since := url.QueryEscape(time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC3339Nano))
	rr := doRequest(t, server, http.MethodGet, "/api/sync?since="+since, rep, "")
	if rr.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", rr.Code)
	}
	var payload map[string]any
	decodeResponse(t, rr, &payload)
	if payload["code"] != "WATERMARK_EXPIRED" {
		t.Fatalf("expected WATERMARK_EXPIRED, got %v", payload["code"])
	}
}

func TestSyncRejectsMalformedWatermark(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rep := issueTestToken(t, "team-a", "rep", "jti-r")
	rr := doRequest(t, server, http.MethodGet, "/api/sync?since=yesterday", rep, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestSyncIsTeamScoped(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	manager := issueTestToken(t, "team-a", "manager", "jti-m")
	outsider := issueTestToken(t, "team-b", "rep", "jti-o")

	if rr := doRequest(t, server, http.MethodPut, "/api/content/objection/obj-1", manager, `{"name":"price"}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	rr := doRequest(t, server, http.MethodGet, "/api/sync", outsider, "")
	var resp content.SyncResponse
	decodeResponse(t, rr, &resp)
	if len(resp.Records()) != 0 {
		t.Fatalf("expected team-b to see nothing, got %+v", resp)
	}
}

func TestContentWriteRequiresManager(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rep := issueTestToken(t, "team-a", "rep", "jti-r")
	rr := doRequest(t, server, http.MethodPut, "/api/content/objection/obj-1", rep, `{"name":"price"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestPatternWriteRequiresAdmin(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	body := `{"rule":"threshold","min_distinct":2,"message":"Requalify"}`

	manager := issueTestToken(t, "team-a", "manager", "jti-m")
	rr := doRequest(t, server, http.MethodPut, "/api/content/pattern/rule-1", manager, body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for manager, got %d", rr.Code)
	}

	admin := issueTestToken(t, "team-a", "admin", "jti-a")
	rr = doRequest(t, server, http.MethodPut, "/api/content/pattern/rule-1", admin, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201 for admin, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestContentDeleteAndUnknownKind(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	admin := issueTestToken(t, "team-a", "admin", "jti-a")

	if rr := doRequest(t, server, http.MethodPut, "/api/content/testimonial/t-1", admin, `{"customer":"Acme","quote":"Great"}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr := doRequest(t, server, http.MethodDelete, "/api/content/testimonial/t-1", admin, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Record content.Record `json:"record"`
	}
	decodeResponse(t, rr, &payload)
	if payload.Record.Active {
		t.Fatal("expected tombstone in response")
	}

	if rr := doRequest(t, server, http.MethodPut, "/api/content/widgets/w-1", admin, `{}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown kind, got %d", rr.Code)
	}
	if rr := doRequest(t, server, http.MethodPut, "/api/content/objection/o-1", admin, `{"name":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed body, got %d", rr.Code)
	}
}

func TestSearchEndpointFallsBackToStore(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	manager := issueTestToken(t, "team-a", "manager", "jti-m")
	if rr := doRequest(t, server, http.MethodPut, "/api/content/objection/obj-1", manager, `{"name":"Budget freeze","script":"Ask about next quarter"}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}

	rr := doRequest(t, server, http.MethodGet, "/api/search?q=budget", manager, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp search.Response
	decodeResponse(t, rr, &resp)
	if resp.Source != "store" || len(resp.Results) != 1 || resp.Results[0].ID != "obj-1" {
		t.Fatalf("unexpected search response: %+v", resp)
	}
}

func TestInternalContentChangedRequiresSyncToken(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	conn := svc.Hub().Join("team-a", "jti-1")
	body := `{"action":"updated","record":{"id":"obj-1","teamId":"team-a","kind":"objection","payload":{"name":"price"},"updatedAt":"2026-01-01T00:00:00Z","active":true}}`

	rr := doRequest(t, server, http.MethodPost, "/api/internal/content-changed", "", body)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/internal/content-changed", bytes.NewBufferString(body))
	req.Header.Set(syncTokenHeader, "sync-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	select {
	case <-conn.Send():
	default:
		t.Fatal("expected broadcast to team room")
	}
}

func TestInternalRevokeDisconnects(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	conn := svc.Hub().Join("team-a", "jti-1")

	req := httptest.NewRequest(http.MethodPost, "/api/internal/credentials/revoke", bytes.NewBufferString(`{"jti":"jti-1","reason":"offboarded"}`))
	req.Header.Set(syncTokenHeader, "sync-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection to be dropped")
	}
	if svc.Hub().Count("team-a") != 0 {
		t.Fatal("expected empty room")
	}
}

func TestInternalReindexCountsActiveRecords(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	ctx := context.Background()
	for _, id := range []string{"obj-1", "obj-2"} {
		if _, _, err := svc.Mutate(ctx, "team-a", content.KindObjection, id, objection(id, "too expensive")); err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}
	if _, err := svc.Delete(ctx, "team-a", content.KindObjection, "obj-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/internal/search/reindex", bytes.NewBufferString(`{"teamId":"team-a"}`))
	req.Header.Set(syncTokenHeader, "sync-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		Records int `json:"records"`
	}
	decodeResponse(t, rr, &body)
	if body.Records != 1 {
		t.Fatalf("expected 1 indexed record, got %d", body.Records)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/internal/search/reindex", bytes.NewBufferString(`{}`))
	req.Header.Set(syncTokenHeader, "sync-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rep := issueTestToken(t, "team-a", "rep", "jti-r")
	rr := doRequest(t, server, http.MethodGet, "/api/nothing", rep, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
