package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// newTestClient spins up an httptest server and a client pointed at it.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "test-token")
}

// TestClient_SendsBearerToken tests that every request carries the
// Authorization header.
func TestClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]schema.Task{})
	})

	if _, err := client.FetchTasks(context.Background()); err != nil {
		t.Fatalf("FetchTasks() failed: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
}

// TestFetchTasks_DecodesResponse tests the happy path.
func TestFetchTasks_DecodesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]schema.Task{
			{ID: "t1", Description: "Prepare audit files", AssignedTo: "alice",
				GivenBy: "bob", Deadline: schema.Date{Year: 2026, Month: time.March, Day: 10},
				Priority: schema.PriorityHigh, Status: schema.StatusPending,
				CreatedAt: time.Now(), UpdatedAt: time.Now()},
		})
	})

	tasks, err := client.FetchTasks(context.Background())
	if err != nil {
		t.Fatalf("FetchTasks() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v, want one task t1", tasks)
	}
}

// TestFetchTasks_ServerError tests that non-200 responses surface the
// status and body.
func TestFetchTasks_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})

	if _, err := client.FetchTasks(context.Background()); err == nil {
		t.Fatal("FetchTasks() succeeded, want error")
	}
}

// TestPatchTask_SendsOnlySetFields tests that nil patch fields are
// omitted from the body.
func TestPatchTask_SendsOnlySetFields(t *testing.T) {
	var body map[string]json.RawMessage
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding patch body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	done := schema.StatusDone
	err := client.PatchTask(context.Background(), "t1", &TaskPatch{Status: &done})
	if err != nil {
		t.Fatalf("PatchTask() failed: %v", err)
	}
	if len(body) != 1 {
		t.Errorf("patch body has %d fields, want 1: %v", len(body), body)
	}
	if _, ok := body["status"]; !ok {
		t.Error("patch body missing status field")
	}
}

// TestMarkAbsent_ConflictIsNotAnError tests that a 409 from the server
// (user already has a record for the day) is treated as success.
func TestMarkAbsent_ConflictIsNotAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	day := schema.Date{Year: 2026, Month: time.March, Day: 10}
	err := client.MarkAbsent(context.Background(), "alice", day, schema.SourceSweep)
	if err != nil {
		t.Fatalf("MarkAbsent() on conflict failed: %v", err)
	}
}

// TestClockIn_WireFormat tests the clock-in request body.
func TestClockIn_WireFormat(t *testing.T) {
	var got clockInRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/attendance/clock-in" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})

	day := schema.Date{Year: 2026, Month: time.March, Day: 10}
	at := time.Date(2026, time.March, 10, 9, 2, 0, 0, time.UTC)
	err := client.ClockIn(context.Background(), "alice", day, at, schema.WorkHome, "")
	if err != nil {
		t.Fatalf("ClockIn() failed: %v", err)
	}
	if got.Username != "alice" || got.WorkType != schema.WorkHome {
		t.Errorf("request = %+v", got)
	}
	if !got.At.Equal(at) {
		t.Errorf("at = %v, want %v", got.At, at)
	}
}

// TestFetchSettings tests the settings endpoint decode.
func TestFetchSettings(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(schema.Settings{
			GraceCutoff: "09:15",
			SweepCutoff: "11:00",
		})
	})

	settings, err := client.FetchSettings(context.Background())
	if err != nil {
		t.Fatalf("FetchSettings() failed: %v", err)
	}
	if settings.GraceCutoff != "09:15" || settings.SweepCutoff != "11:00" {
		t.Errorf("settings = %+v", settings)
	}
}

// TestListUsers tests the roster endpoint decode.
func TestListUsers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]User{
			{Username: "alice"}, {Username: "bob", Admin: true},
		})
	})

	users, err := client.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() failed: %v", err)
	}
	if len(users) != 2 || users[1].Username != "bob" {
		t.Errorf("users = %+v", users)
	}
}
