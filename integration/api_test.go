//go:build integration

// Black-box suite against a running instance.  Point TEST_ADDR at the
// service (default http://localhost:8080); the instance needs network
// access, pip, and the plugin tool installed for the happy paths.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func baseURL() string {
	if addr := os.Getenv("TEST_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

func wsURL(path string) string {
	return "ws" + strings.TrimPrefix(baseURL(), "http") + path
}

func TestHealth(t *testing.T) {
	resp, err := http.Get(baseURL() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestInvalidURLRejectedAtAdmission(t *testing.T) {
	body := `{"url":"ftp://host/x.difypkg"}`
	resp, err := http.Post(baseURL()+"/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// TestMarketplaceHappyPath runs the full pipeline for a small known plugin
// and follows it over WebSocket to completion, then downloads the output.
// Needs outbound network access on the instance.
func TestMarketplaceHappyPath(t *testing.T) {
	if os.Getenv("TEST_NETWORK") == "" {
		t.Skip("set TEST_NETWORK=1 to run pipelines that reach the marketplace")
	}

	body := `{"author":"langgenius","name":"agent","version":"0.0.9","platform":"manylinux2014_x86_64"}`
	resp, err := http.Post(baseURL()+"/tasks/marketplace", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /tasks/marketplace: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL("/ws/tasks/"+created.TaskID), nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	var terminal map[string]any
	var lastSeq float64
	deadline := time.Now().Add(10 * time.Minute)
	for terminal == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad event %q: %v", raw, err)
		}
		if seq, ok := msg["seq"].(float64); ok {
			if seq <= lastSeq {
				t.Fatalf("sequence regressed: %v after %v", seq, lastSeq)
			}
			lastSeq = seq
		}
		if msg["kind"] == "terminal" {
			terminal = msg
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not finish within 10 minutes")
		}
	}

	if terminal["status"] != "completed" {
		t.Fatalf("terminal status = %v (%v)", terminal["status"], terminal["error"])
	}
	plugin, _ := terminal["plugin"].(map[string]any)
	if plugin["author"] != "langgenius" || plugin["name"] != "agent" || plugin["version"] != "0.0.9" {
		t.Errorf("plugin metadata: %v", plugin)
	}

	dresp, err := http.Get(fmt.Sprintf("%s/tasks/%s/download", baseURL(), created.TaskID))
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	defer dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dresp.StatusCode)
	}
	if cd := dresp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".difypkg") {
		t.Errorf("content disposition: %q", cd)
	}
	n, err := io.Copy(io.Discard, dresp.Body)
	if err != nil || n == 0 {
		t.Errorf("downloaded %d bytes, err %v", n, err)
	}
}

// TestCancellation creates a job against an unroutable address and cancels
// it immediately; the job's status must read "cancelled" within ten seconds.
func TestCancellation(t *testing.T) {
	body := `{"url":"https://10.255.255.1/slow.difypkg"}`
	resp, err := http.Post(baseURL()+"/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)

	time.Sleep(500 * time.Millisecond)
	req, _ := http.NewRequest(http.MethodDelete, baseURL()+"/tasks/"+created.TaskID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()

	deadline := time.Now().Add(10 * time.Second)
	for {
		sresp, err := http.Get(baseURL() + "/tasks/" + created.TaskID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var job map[string]any
		json.NewDecoder(sresp.Body).Decode(&job)
		sresp.Body.Close()
		if job["status"] == "cancelled" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not cancelled in time (status %v)", job["status"])
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func TestListViews(t *testing.T) {
	for _, path := range []string{"/tasks?limit=5", "/files?limit=5"} {
		resp, err := http.Get(baseURL() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
