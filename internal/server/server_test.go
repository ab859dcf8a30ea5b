package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/engine/auth"
	"reviewline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("reviewline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "Acme", "", auth.Actor{ID: "tester", DisplayName: "Tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func teamHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, "alex", "Alex", "admin", false)
	if err != nil {
		t.Fatalf("sign team token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func clientHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, "client-1", "Dana", "client", true)
	if err != nil {
		t.Fatalf("sign client token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createDeliverable(t *testing.T, srv *testServer, name string) domain.Deliverable {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/reviewline/deliverables", map[string]any{
		"name": name,
	}, teamHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deliverable status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Deliverable
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal deliverable: %v", err)
	}
	return d
}

func deliver(t *testing.T, srv *testServer, id string) {
	t.Helper()
	for _, status := range []string{"in_progress", "delivered"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+id+"/status", map[string]any{
			"status": status,
		}, teamHeaders(t))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status %s: %d %s", status, res.StatusCode, string(data))
		}
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestClientVerdictFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := createDeliverable(t, srv, "Homepage design")
	deliver(t, srv, d.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/feedback", map[string]any{
		"content": "rework the hero section",
		"status":  "change-requested",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("verdict feedback status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deliverables/"+d.ID, nil, clientHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get deliverable: %d %s", res.StatusCode, string(data))
	}
	var fetched domain.Deliverable
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fetched.Status != "in_review" || fetched.ApprovalStatus != "changes_requested" {
		t.Fatalf("verdict did not move deliverable: %s/%s", fetched.Status, fetched.ApprovalStatus)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/feedback", map[string]any{
		"content": "looks good now",
		"status":  "approved",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve feedback: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/feedback", map[string]any{
		"content": "still good",
		"status":  "approved",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second approval, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_approved" {
		t.Fatalf("expected already_approved code, got %s", code)
	}
}

func TestTeamVerdictFeedbackForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := createDeliverable(t, srv, "Logo pack")
	deliver(t, srv, d.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/feedback", map[string]any{
		"content": "self-approval",
		"status":  "approved",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "permission_denied" {
		t.Fatalf("expected permission_denied code, got %s", code)
	}
}

func TestClientCannotCreateDeliverables(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/reviewline/deliverables", map[string]any{
		"name": "sneaky",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestRejectRequiresReasonOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := createDeliverable(t, srv, "Copy deck")
	deliver(t, srv, d.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/reject", map[string]any{
		"reason": "   ",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/reject", map[string]any{
		"reason": "wrong palette",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
}

func TestRevisionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := createDeliverable(t, srv, "Video edit")
	deliver(t, srv, d.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deliverables/"+d.ID+"/revisions", map[string]any{
		"changes": "first cut",
		"files":   []map[string]any{{"name": "cut.mp4", "url": "https://files.example/cut.mp4"}},
	}, teamHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create revision: %d %s", res.StatusCode, string(data))
	}
	var rev domain.Revision
	if err := json.Unmarshal(data, &rev); err != nil {
		t.Fatalf("unmarshal revision: %v", err)
	}
	if rev.Version != "v1" || rev.Status != "pending" {
		t.Fatalf("unexpected revision: %+v", rev)
	}

	// client approves, team finalizes
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/revisions/"+rev.ID+"/status", map[string]any{
		"status": "approved",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve revision: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/revisions/"+rev.ID+"/status", map[string]any{
		"status": "final",
	}, clientHeaders(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected client final refused, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/revisions/"+rev.ID+"/status", map[string]any{
		"status": "final",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize revision: %d %s", res.StatusCode, string(data))
	}
	// finalized twice is a conflict
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/revisions/"+rev.ID+"/status", map[string]any{
		"status": "final",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
}

func TestActivityListing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := createDeliverable(t, srv, "Wireframes")
	deliver(t, srv, d.ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activity?deliverable_id="+d.ID, nil, teamHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list activity: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			ActionType string `json:"action_type"`
			ActorName  string `json:"actor_name"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 entries for two status moves, got %d", len(page.Items))
	}
	if page.Items[0].ActorName != "Alex" {
		t.Fatalf("unexpected actor: %+v", page.Items[0])
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "client-2",
		"name":        "Sam",
		"client_mode": true,
	}, teamHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID    string `json:"actor_id"`
		Role       string `json:"role"`
		ClientMode bool   `json:"client_mode"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "client-2" || !me.ClientMode || me.Role != "client" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci-bot",
	}, teamHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("expected secret in create response, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID    string `json:"actor_id"`
		ClientMode bool   `json:"client_mode"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alex" || me.ClientMode {
		t.Fatalf("api keys must map to team actors: %+v", me)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "not-a-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}
