//go:build e2e

// Package e2e_test drives a running JobMesh stack over HTTP. The suite
// expects the dev compose stack, whose runners register the demo.echo
// handler, and is addressed through E2E_BASE_URL.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string {
	return getenv("E2E_BASE_URL", "http://localhost:8080")
}

// waitForReady polls /healthz until the stack answers or the deadline hits.
func waitForReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("app not ready at %s within %s", baseURL(), timeout)
}

// postJSON posts a JSON body and decodes the JSON response along with the
// status code.
func postJSON(t *testing.T, client *http.Client, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := client.Post(baseURL()+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, decodeJSON(t, resp.Body)
}

// getJSON fetches a path and decodes the JSON response.
func getJSON(t *testing.T, client *http.Client, path string) (int, map[string]any) {
	t.Helper()
	resp, err := client.Get(baseURL() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, decodeJSON(t, resp.Body)
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response %q: %v", string(raw), err)
	}
	return out
}

// submitJob submits one job and returns its id.
func submitJob(t *testing.T, client *http.Client, body map[string]any) string {
	t.Helper()
	code, resp := postJSON(t, client, "/v1/jobs", body)
	if code != http.StatusOK {
		t.Fatalf("submit returned %d: %#v", code, resp)
	}
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatalf("submit response missing job_id: %#v", resp)
	}
	return jobID
}

// waitForTerminal polls the status endpoint until the job leaves queued and
// processing, returning the final body.
func waitForTerminal(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, body := getJSON(t, client, "/v1/jobs/"+jobID)
		if code != http.StatusOK {
			t.Fatalf("status returned %d: %#v", code, body)
		}
		last = body
		switch body["status"] {
		case "complete", "failed", "cancelled":
			return body
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("job %s not terminal within %s, last: %#v", jobID, timeout, last)
	return nil
}

func echoEnvelope(dedupe string) map[string]any {
	env := map[string]any{
		"type":      "demo.echo",
		"tenant_id": "e2e",
		"payload":   map[string]any{"greeting": fmt.Sprintf("hello-%d", time.Now().UnixNano())},
	}
	if dedupe != "" {
		env["dedupe_key"] = dedupe
	}
	return env
}
