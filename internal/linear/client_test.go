package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("lin_api_key", "team-1").WithEndpoint(server.URL)
}

func decodeRequest(t *testing.T, r *http.Request) graphQLRequest {
	t.Helper()
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func respond(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestListIssuesPagination(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "lin_api_key" {
			t.Errorf("Authorization = %q", got)
		}
		req := decodeRequest(t, r)
		if req.Variables["teamId"] != "team-1" {
			t.Errorf("teamId = %v", req.Variables["teamId"])
		}

		page := map[string]any{
			"team": map[string]any{
				"issues": map[string]any{
					"nodes":    []Issue{{ID: "a", Title: "first"}},
					"pageInfo": PageInfo{HasNextPage: true, EndCursor: "cur-1"},
				},
			},
		}
		if calls.Add(1) == 2 {
			if req.Variables["after"] != "cur-1" {
				t.Errorf("after = %v, want cur-1", req.Variables["after"])
			}
			page = map[string]any{
				"team": map[string]any{
					"issues": map[string]any{
						"nodes":    []Issue{{ID: "b", Title: "second"}},
						"pageInfo": PageInfo{HasNextPage: false},
					},
				},
			}
		}
		respond(w, page)
	})

	issues, err := client.ListAllIssues(context.Background())
	if err != nil {
		t.Fatalf("ListAllIssues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	if issues[0].ID != "a" || issues[1].ID != "b" {
		t.Errorf("issues = %v", issues)
	}
}

func TestGetIssue(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"issue": Issue{ID: "lin-1", Title: "one", State: &State{Type: StateStarted}},
		})
	})

	issue, err := client.GetIssue(context.Background(), "lin-1")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.State == nil || issue.State.Type != StateStarted {
		t.Errorf("State = %v", issue.State)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"issue": nil})
	})
	if _, err := client.GetIssue(context.Background(), "nope"); err == nil {
		t.Fatal("want error for missing issue")
	}
}

func TestGraphQLErrorSurfaced(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"message": "not authorized"}},
		})
	})
	_, err := client.GetViewer(context.Background())
	if err == nil {
		t.Fatal("want error from GraphQL errors array")
	}
}

func TestGetViewer(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"viewer": User{ID: "u1", Name: "carol"}})
	})
	viewer, err := client.GetViewer(context.Background())
	if err != nil {
		t.Fatalf("GetViewer: %v", err)
	}
	if viewer.Name != "carol" {
		t.Errorf("Name = %q", viewer.Name)
	}
}

func TestListCycles(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"team": map[string]any{
				"cycles": map[string]any{
					"nodes": []Cycle{{ID: "c1", Number: 4}},
				},
			},
		})
	})
	cycles, err := client.ListCycles(context.Background())
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Number != 4 {
		t.Errorf("cycles = %v", cycles)
	}
}

func TestWebhookPayloadDecoding(t *testing.T) {
	raw := `{
		"action": "create",
		"type": "Comment",
		"organizationId": "org-1",
		"webhookTimestamp": 1760000000000,
		"data": {
			"id": "cmt-1",
			"body": "looks good",
			"issueId": "lin-9",
			"user": {"id": "u1", "name": "carol"}
		}
	}`
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Type != "Comment" || payload.Action != "create" {
		t.Errorf("type/action = %s/%s", payload.Type, payload.Action)
	}
	if payload.Data.IssueID != "lin-9" {
		t.Errorf("IssueID = %q", payload.Data.IssueID)
	}
	if payload.WebhookTimestamp != 1760000000000 {
		t.Errorf("WebhookTimestamp = %d", payload.WebhookTimestamp)
	}
}
