package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"worktally/internal/domain"
	"worktally/internal/state"
)

type testServer struct {
	URL    string
	State  *state.State
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	st, err := state.New(context.Background(), state.NewLocalBacking(), domain.Snapshot{}, nil)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	handler, err := New(Config{State: st, BasePath: "/api/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/api/v1",
		State:  st,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/projects",
		map[string]any{"name": "Website", "description": "rebuild"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created ProjectResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "Website" || created.ID == 0 {
		t.Fatalf("created = %+v", created)
	}

	resp, body = doJSON(t, client, http.MethodPatch, srv.URL+"/projects/1",
		map[string]any{"name": "Relaunch"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.StatusCode, body)
	}
	var updated ProjectResponse
	json.Unmarshal(body, &updated)
	if updated.Name != "Relaunch" || updated.Description != "rebuild" {
		t.Fatalf("updated = %+v", updated)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/projects", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var list []ProjectResponse
	json.Unmarshal(body, &list)
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/projects/99", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project: %d %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/projects/1", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
}

func TestWorkFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	srv.State.Now = func() time.Time { return clock }

	_, body := doJSON(t, client, http.MethodPost, srv.URL+"/projects",
		map[string]any{"name": "Website"}, nil)
	var p ProjectResponse
	json.Unmarshal(body, &p)

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/projects/1/work/start",
		map[string]any{"payment": map[string]any{"kind": "hourly", "amount": 25}}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var sl SliceResponse
	json.Unmarshal(body, &sl)
	if sl.Complete {
		t.Fatalf("fresh slice complete: %+v", sl)
	}

	// second start on the same project trips the invariant
	resp, body = doJSON(t, client, http.MethodPost, srv.URL+"/projects/1/work/start",
		map[string]any{"payment": map[string]any{"kind": "flat", "amount": 5}}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("double start: %d %s", resp.StatusCode, body)
	}

	clock = clock.Add(2 * time.Hour)
	resp, body = doJSON(t, client, http.MethodPost, srv.URL+"/slices/1/complete",
		map[string]any{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &sl)
	if !sl.Complete {
		t.Fatalf("slice not complete: %+v", sl)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/projects/1/owed", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owed: %d %s", resp.StatusCode, body)
	}
	var owed OwedResponse
	json.Unmarshal(body, &owed)
	if owed.Amount != 50 || owed.Formatted != "£0.50" {
		t.Fatalf("owed = %+v", owed)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/slices/1/projects", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("slice projects: %d %s", resp.StatusCode, body)
	}
	var pids []int64
	json.Unmarshal(body, &pids)
	if len(pids) != 1 || pids[0] != 1 {
		t.Fatalf("slice projects = %v", pids)
	}
}

func TestDrainEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/projects", map[string]any{"name": "p"}, nil)

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/changes/drain", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drain: %d %s", resp.StatusCode, body)
	}
	var drained ChangesResponse
	json.Unmarshal(body, &drained)
	if len(drained.Changes) != 1 || drained.Changes[0].Op != state.OpProjectCreated {
		t.Fatalf("drained = %+v", drained)
	}

	_, body = doJSON(t, client, http.MethodPost, srv.URL+"/changes/drain", nil, nil)
	json.Unmarshal(body, &drained)
	if len(drained.Changes) != 0 {
		t.Fatalf("second drain = %+v", drained.Changes)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret, StaticToken: "tally-token"})
	client := srv.Client()

	resp, _ := doJSON(t, client, http.MethodGet, srv.URL+"/projects", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: %d", resp.StatusCode)
	}

	// health stays open
	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/projects", nil,
		map[string]string{"Authorization": "Bearer tally-token"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("static token: %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/projects", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodGet, srv.URL+"/projects", nil,
		map[string]string{"Authorization": "Bearer bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}
}
