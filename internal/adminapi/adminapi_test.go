package adminapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/crypto/bcrypt"

	"github.com/talemon/talemon/internal/adminapi"
	"github.com/talemon/talemon/internal/dbopen"
	"github.com/talemon/talemon/internal/store"
)

const testToken = "sekret"

func newServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.New(db)
	srv := adminapi.New(st, nil, adminapi.Config{Token: testToken})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts, _ := newServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	ts, _ := newServer(t)
	if resp := do(t, http.MethodGet, ts.URL+"/api/stats", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/api/stats", "wrong", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", resp.StatusCode)
	}
}

func TestAuthAcceptsBcryptHashedToken(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	srv := adminapi.New(store.New(db), nil, adminapi.Config{Token: string(hash)})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if resp := do(t, http.MethodGet, ts.URL+"/api/stats", testToken, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("bcrypt match = %d, want 200", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/api/stats", "nope", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bcrypt mismatch = %d, want 401", resp.StatusCode)
	}
}

func TestCreatePage(t *testing.T) {
	ts, _ := newServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/pages", testToken,
		`{"url":"https://example.com/news","check_interval":"30m"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d, want 201", resp.StatusCode)
	}
	var page store.Page
	decode(t, resp, &page)
	if page.ID == 0 || page.Status != store.StatusPending {
		t.Errorf("page = %+v", page)
	}
	if page.CheckInterval != (30 * time.Minute).Milliseconds() {
		t.Errorf("check_interval = %d", page.CheckInterval)
	}
	if len(page.Hash) != 40 {
		t.Errorf("hash = %q, want 40 hex chars", page.Hash)
	}

	// Same URL again conflicts.
	resp = do(t, http.MethodPost, ts.URL+"/api/pages", testToken,
		`{"url":"https://example.com/news"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", resp.StatusCode)
	}
}

func TestCreatePageRejectsBadInput(t *testing.T) {
	ts, _ := newServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"non-http scheme", `{"url":"ftp://example.com/x"}`},
		{"private address", `{"url":"http://169.254.169.254/latest"}`},
		{"bad interval", `{"url":"https://example.com/x","check_interval":"soon"}`},
		{"negative interval", `{"url":"https://example.com/x","check_interval":"-5m"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/api/pages", testToken, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestPageLifecycleEndpoints(t *testing.T) {
	ts, _ := newServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/pages", testToken,
		`{"url":"https://example.com/a"}`)
	var page store.Page
	decode(t, resp, &page)
	base := ts.URL + "/api/pages/" + strconv.FormatInt(page.ID, 10)

	if resp := do(t, http.MethodPost, base+"/pause", testToken, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, base, testToken, "")
	var got store.Page
	decode(t, resp, &got)
	if got.Status != store.StatusPaused {
		t.Fatalf("after pause status = %s", got.Status)
	}

	// check-now never touches status: the page becomes due but stays PAUSED
	// and therefore uncandidated until resumed.
	if resp := do(t, http.MethodPost, base+"/check-now", testToken, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("check-now while paused = %d, want 200", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, base, testToken, "")
	decode(t, resp, &got)
	if got.Status != store.StatusPaused {
		t.Errorf("check-now changed status to %s", got.Status)
	}

	if resp := do(t, http.MethodPost, base+"/resume", testToken, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, base+"/check-now", testToken, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("check-now = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, base, testToken, "")
	decode(t, resp, &got)
	if got.Status != store.StatusPending || got.NextScheduleAt > time.Now().UnixMilli() {
		t.Errorf("after check-now = %s / next %d", got.Status, got.NextScheduleAt)
	}
}

func TestListPagesWithStatusFilter(t *testing.T) {
	ts, _ := newServer(t)
	for _, u := range []string{"https://example.com/1", "https://example.com/2"} {
		do(t, http.MethodPost, ts.URL+"/api/pages", testToken, `{"url":"`+u+`"}`)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/pages?status=PENDING", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var out struct {
		Pages []store.Page `json:"pages"`
	}
	decode(t, resp, &out)
	if len(out.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(out.Pages))
	}

	if resp := do(t, http.MethodGet, ts.URL+"/api/pages?status=BOGUS", testToken, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus filter = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownPageIs404(t *testing.T) {
	ts, _ := newServer(t)
	if resp := do(t, http.MethodGet, ts.URL+"/api/pages/999", testToken, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get = %d, want 404", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/api/pages/abc", testToken, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts, _ := newServer(t)
	do(t, http.MethodPost, ts.URL+"/api/pages", testToken, `{"url":"https://example.com/1"}`)

	resp := do(t, http.MethodGet, ts.URL+"/api/stats", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	var out struct {
		Store store.Stats `json:"store"`
	}
	decode(t, resp, &out)
	if out.Store.PagesByStatus[store.StatusPending] != 1 {
		t.Errorf("stats = %+v", out.Store)
	}
}
