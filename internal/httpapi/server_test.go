package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/owenstuckman/orbit-engine/pkg/models"
)

func newTestServer(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(ServerOptions{Home: t.TempDir(), Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = app.Store.Close()
	})
	return app, ts
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	var health map[string]any
	resp := getJSON(t, ts.URL+"/health", &health)
	if resp.StatusCode != http.StatusOK || health["ok"] != true {
		t.Fatalf("/health status=%d body=%v", resp.StatusCode, health)
	}
}

func TestTaskWorkflowOverHTTP(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	var org models.Organization
	if resp := postJSON(t, ts.URL+"/orgs", map[string]string{"name": "acme"}, &org); resp.StatusCode != 200 {
		t.Fatalf("create org status=%d", resp.StatusCode)
	}
	var worker, reviewer models.User
	postJSON(t, ts.URL+"/users", models.User{OrgID: org.OrgID, Name: "w", Role: models.RoleWorker, Level: 3}, &worker)
	postJSON(t, ts.URL+"/users", models.User{OrgID: org.OrgID, Name: "r", Role: models.RoleQC, Level: 3}, &reviewer)

	var task models.Task
	postJSON(t, ts.URL+"/tasks", models.Task{
		OrgID: org.OrgID, Title: "build the thing", DollarValue: 100, UrgencyMultiplier: 1, RequiredLevel: 1,
	}, &task)
	if task.Status != models.StatusOpen {
		t.Fatalf("new task status = %s", task.Status)
	}

	base := fmt.Sprintf("%s/tasks/%d", ts.URL, task.TaskID)
	actor := map[string]string{"actor_id": worker.UserID}

	postJSON(t, base+"/accept", actor, &task)
	if task.Status != models.StatusAssigned {
		t.Fatalf("after accept status = %s", task.Status)
	}
	// Losing claimer gets a conflict.
	if resp := postJSON(t, base+"/accept", map[string]string{"actor_id": reviewer.UserID}, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", resp.StatusCode)
	}

	postJSON(t, base+"/start", actor, &task)
	if task.Status != models.StatusInProgress {
		t.Fatalf("after start status = %s", task.Status)
	}

	var auto models.QCReview
	postJSON(t, base+"/submit", map[string]any{
		"actor_id": worker.UserID,
		"submission": models.Submission{
			Notes:     "done",
			Artifacts: []models.SubmissionArtifact{{Type: "github_pr", Data: "org/repo#42"}},
		},
	}, &auto)
	if auto.ReviewType != models.ReviewTypeAutomated {
		t.Fatalf("submit returned %+v", auto)
	}

	pass := true
	var verdict models.QCReview
	postJSON(t, base+"/review", models.QCReview{
		ReviewerID: &reviewer.UserID, ReviewType: models.ReviewTypeIndependent, Passed: &pass, Weight: 1,
	}, &verdict)
	if verdict.PassNumber != 1 {
		t.Fatalf("verdict pass number = %d", verdict.PassNumber)
	}

	var reviews []models.QCReview
	getJSON(t, base+"/reviews", &reviews)
	if len(reviews) != 2 {
		t.Fatalf("reviews = %d, want automated + human", len(reviews))
	}

	var emp models.Payout
	postJSON(t, ts.URL+"/payouts/calculate", map[string]any{
		"payout_type": models.PayoutTypeEmployee, "task_id": task.TaskID,
	}, &emp)
	if emp.GrossAmount != 30 {
		t.Fatalf("employee payout = %v, want 30", emp.GrossAmount)
	}
	var qcp models.Payout
	postJSON(t, ts.URL+"/payouts/calculate", map[string]any{
		"payout_type": models.PayoutTypeQC, "task_id": task.TaskID,
	}, &qcp)
	if qcp.BeneficiaryID != reviewer.UserID {
		t.Fatalf("qc payout beneficiary = %s", qcp.BeneficiaryID)
	}

	var taskPayouts []models.Payout
	getJSON(t, base+"/payouts", &taskPayouts)
	if len(taskPayouts) != 2 {
		t.Fatalf("task payouts = %d, want 2", len(taskPayouts))
	}

	postJSON(t, base+"/pay", map[string]string{}, &task)
	if task.Status != models.StatusPaid {
		t.Fatalf("after pay status = %s", task.Status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	// Unknown task: 404.
	if resp := getJSON(t, ts.URL+"/tasks/424242", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", resp.StatusCode)
	}
	// Unknown payout type: 400.
	taskID := int64(1)
	if resp := postJSON(t, ts.URL+"/payouts/calculate", map[string]any{
		"payout_type": "lottery", "task_id": taskID,
	}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad payout type status = %d, want 400", resp.StatusCode)
	}
	// Bad task id in path: 400.
	if resp := getJSON(t, ts.URL+"/tasks/notanumber", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad task id status = %d, want 400", resp.StatusCode)
	}
	// Error bodies are JSON with an error field.
	resp, err := http.Get(ts.URL + "/tasks/424242")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var errBody struct{ Error string }
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Error == "" {
		t.Fatalf("error body not JSON: %v %q", err, errBody.Error)
	}
}

func TestSettingsRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	var org models.Organization
	postJSON(t, ts.URL+"/orgs", map[string]string{"name": "acme"}, &org)

	var s models.OrganizationSettings
	getJSON(t, ts.URL+"/orgs/"+org.OrgID+"/settings", &s)
	if s.DefaultR != 0.7 {
		t.Fatalf("default_r = %v, want 0.7", s.DefaultR)
	}

	s.DefaultR = 0.65
	b, _ := json.Marshal(s)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/orgs/"+org.OrgID+"/settings", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT settings: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT settings status = %d", resp.StatusCode)
	}

	var got models.OrganizationSettings
	getJSON(t, ts.URL+"/orgs/"+org.OrgID+"/settings", &got)
	if got.DefaultR != 0.65 {
		t.Fatalf("default_r = %v after update", got.DefaultR)
	}

	// A partial body updates only the named field; the rest keeps its
	// stored value instead of collapsing to zero.
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/orgs/"+org.OrgID+"/settings",
		strings.NewReader(`{"qc_beta":0.3}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("partial PUT settings: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("partial PUT settings status = %d", resp.StatusCode)
	}
	getJSON(t, ts.URL+"/orgs/"+org.OrgID+"/settings", &got)
	if got.QCBeta != 0.3 {
		t.Fatalf("qc_beta = %v after partial update", got.QCBeta)
	}
	if got.DefaultR != 0.65 || got.SalesCommissionMaxDays != 14 {
		t.Fatalf("partial update clobbered other fields: %+v", got)
	}

	// Values the formulas cannot use are rejected at the boundary.
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/orgs/"+org.OrgID+"/settings",
		strings.NewReader(`{"sales_commission_max_days":0}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("invalid PUT settings: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid PUT settings status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	app, err := NewApp(ServerOptions{Home: t.TempDir(), Addr: "127.0.0.1:0", APIKey: "sekrit"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = app.Store.Close()
	})

	// Health is exempt.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d", resp.StatusCode)
	}
	// Everything else requires the key.
	resp, err = http.Get(ts.URL + "/tasks?org_id=x")
	if err != nil {
		t.Fatalf("GET /tasks: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks?org_id=x", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with key: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamDeliversTaskEvents(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	sseResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sseResp.Body.Close() }()

	sc := bufio.NewScanner(sseResp.Body)
	if !sc.Scan() || !strings.Contains(sc.Text(), `"type":"connected"`) {
		t.Fatalf("no connected event: %q", sc.Text())
	}

	var org models.Organization
	postJSON(t, ts.URL+"/orgs", map[string]string{"name": "acme"}, &org)
	var task models.Task
	postJSON(t, ts.URL+"/tasks", models.Task{OrgID: org.OrgID, Title: "t", DollarValue: 1, UrgencyMultiplier: 1}, &task)

	found := false
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, `"type":"task_update"`) {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("did not see task_update event")
	}
}
