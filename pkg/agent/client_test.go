package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestNewClientValidatesWiring(t *testing.T) {
	if _, err := NewClient("", "screen-1", nil); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewClient("http://coordinator", "   ", nil); err == nil {
		t.Fatalf("expected error for missing device id")
	}
	c, err := NewClient("http://coordinator/", "screen-1", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.DeviceID() != "screen-1" {
		t.Fatalf("DeviceID = %q", c.DeviceID())
	}
}

func TestClientReportStatusPostsContractBody(t *testing.T) {
	var (
		mu   sync.Mutex
		got  statusReportBody
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode report body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "hospital-screen-5", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.ReportStatus(context.Background(), true, 120); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/report-status" {
		t.Fatalf("path = %q", path)
	}
	if got.DeviceID != "hospital-screen-5" || !got.IsBusy || got.Memory != 120 {
		t.Fatalf("unexpected report body: %+v", got)
	}
}

func TestClientReportStatusSurfacesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":404}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "ghost-9", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.ReportStatus(context.Background(), false, 0); err == nil {
		t.Fatalf("expected error for 404 report")
	}
}

func TestClientFetchTaskEscapesDeviceID(t *testing.T) {
	const deviceID = "ward 5&east#2"
	var (
		mu  sync.Mutex
		got string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.URL.Query().Get("deviceId")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, deviceID, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, _, err := client.FetchTask(context.Background()); err != nil {
		t.Fatalf("FetchTask: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got != deviceID {
		t.Fatalf("deviceId query = %q, want %q round-tripped", got, deviceID)
	}
}

func TestClientFetchTaskOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		respond    func(w http.ResponseWriter)
		wantTaskID string
		wantReason string
		wantErr    bool
	}{
		{
			name: "assignment",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"code":200,"task":{"taskId":"T1","content":"hello","imageRef":"img://1"}}`))
			},
			wantTaskID: "T1",
		},
		{
			name:    "empty queue",
			respond: func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
		},
		{
			name: "busy",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"code":403,"msg":"busy"}`))
			},
			wantReason: "busy",
		},
		{
			name: "over memory",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"code":403,"msg":"overMemory"}`))
			},
			wantReason: "overMemory",
		},
		{
			name: "unknown device",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"code":404}`))
			},
			wantErr: true,
		},
		{
			name: "malformed assignment",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"code":200}`))
			},
			wantErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var gotQuery string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotQuery = r.URL.Query().Get("deviceId")
				c.respond(w)
			}))
			defer srv.Close()

			client, err := NewClient(srv.URL, "hospital-screen-5", srv.Client())
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			task, reason, err := client.FetchTask(context.Background())
			if gotQuery != "hospital-screen-5" {
				t.Fatalf("deviceId query = %q", gotQuery)
			}
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got task=%v reason=%q", task, reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchTask: %v", err)
			}
			if reason != c.wantReason {
				t.Fatalf("reason = %q, want %q", reason, c.wantReason)
			}
			if c.wantTaskID == "" {
				if task != nil {
					t.Fatalf("expected no task, got %+v", task)
				}
				return
			}
			if task == nil || task.ID != c.wantTaskID {
				t.Fatalf("task = %+v, want id %q", task, c.wantTaskID)
			}
		})
	}
}
