package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cleanup := func() { _ = ln.Close() }
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, cleanup
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	bbDir := filepath.Dir(thisFile)
	root := filepath.Dir(filepath.Dir(bbDir))
	return root
}

func buildBinary(t *testing.T) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	outDir := t.TempDir()
	binPath := filepath.Join(outDir, "visiond")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/visiond")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

type serverProc struct {
	cmd  *exec.Cmd
	base string // http base URL, e.g. http://127.0.0.1:18080
	data string // data root on disk
}

func startServer(t *testing.T, bin string, port int) *serverProc {
	t.Helper()
	dataRoot := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "visiond.yaml")
	cfg := fmt.Sprintf("addr: \"127.0.0.1:%d\"\ndata_root: %q\nlog_level: warn\n", port, dataRoot)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(bin, "serve", "--config", cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	// Wait for healthz
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	sp := &serverProc{cmd: cmd, base: base, data: dataRoot}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return sp
}

func get(t *testing.T, url, user string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url, user string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	bin := buildBinary(t)
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, port)

	// /healthz
	resp, body := get(t, sp.base+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz %d %s", resp.StatusCode, string(body))
	}

	// /readyz
	resp, body = get(t, sp.base+"/readyz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, string(body))
	}

	// /command without a principal is rejected.
	resp, body = postJSON(t, sp.base+"/command", "", []byte(`{"command":"GetModels"}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/command without user: expected 401, got %d %s", resp.StatusCode, string(body))
	}

	// GetModels on a fresh data root returns an empty list.
	resp, body = postJSON(t, sp.base+"/command", "u1", []byte(`{"command":"GetModels"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GetModels %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("GetModels content-type=%s", ct)
	}
	var modelList []json.RawMessage
	if err := json.Unmarshal(body, &modelList); err != nil {
		t.Fatalf("GetModels json: %v body=%s", err, string(body))
	}
	if len(modelList) != 0 {
		t.Fatalf("expected 0 models, got %d", len(modelList))
	}

	// Seed a model file directly on disk and list again.
	modelsDir := filepath.Join(sp.data, "models", "u1")
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modelsDir, "alpha.pt"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	resp, body = postJSON(t, sp.base+"/command", "u1", []byte(`{"command":"GetModels"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GetModels after seed %d %s", resp.StatusCode, string(body))
	}
	var models []struct {
		Name string `json:"modelname"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("GetModels json: %v body=%s", err, string(body))
	}
	if len(models) != 1 || models[0].Name != "alpha.pt" {
		t.Fatalf("expected [alpha.pt], got %+v", models)
	}
}

func TestBlackbox_LoadMissingModel_404(t *testing.T) {
	bin := buildBinary(t)
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, port)

	resp, body := postJSON(t, sp.base+"/command", "u1", []byte(`{"command":"LoadModel","data":"ghost.pt"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, string(body))
	}
	var errResp struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("error json: %v body=%s", err, string(body))
	}
	if errResp.Code != http.StatusNotFound || errResp.Error == "" {
		t.Fatalf("unexpected error payload: %+v", errResp)
	}
}

func TestBlackbox_JobLifecycle(t *testing.T) {
	bin := buildBinary(t)
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, port)

	// Create a fine-tune job.
	resp, body := postJSON(t, sp.base+"/jobs/finetune", "u1",
		[]byte(`{"name":"run-1","model_identifier":"alpha.pt","dataset_name":"cats","params":{"epochs":5}}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job %d %s", resp.StatusCode, string(body))
	}
	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("create json: %v body=%s", err, string(body))
	}
	if job.ID == "" || job.Status != "queued" {
		t.Fatalf("unexpected created job: %+v", job)
	}

	// Details report a queue position while queued.
	resp, body = get(t, sp.base+"/jobs/"+job.ID, "u1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("details %d %s", resp.StatusCode, string(body))
	}
	var details struct {
		Status   string `json:"status"`
		QueuePos *struct {
			Position int `json:"position"`
			Total    int `json:"total"`
		} `json:"queue_position"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		t.Fatalf("details json: %v body=%s", err, string(body))
	}
	if details.QueuePos == nil || details.QueuePos.Position != 1 {
		t.Fatalf("expected queue position 1, got %+v", details.QueuePos)
	}

	// Other principals cannot see the job.
	resp, body = get(t, sp.base+"/jobs/"+job.ID, "u2")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign details: expected 404, got %d %s", resp.StatusCode, string(body))
	}

	// Cancel and verify the terminal state.
	resp, body = postJSON(t, sp.base+"/jobs/"+job.ID+"/cancel", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel %d %s", resp.StatusCode, string(body))
	}
	resp, body = get(t, sp.base+"/jobs/"+job.ID, "u1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("details after cancel %d %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &details); err != nil {
		t.Fatalf("details json: %v body=%s", err, string(body))
	}
	if details.Status != "cancelled" || details.QueuePos != nil {
		t.Fatalf("expected cancelled without queue position, got %+v", details)
	}

	// Delete removes the job.
	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, sp.base+"/jobs/"+job.ID, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("X-User-ID", "u1")
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", delResp.StatusCode)
	}
	resp, body = get(t, sp.base+"/jobs/"+job.ID, "u1")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d %s", resp.StatusCode, string(body))
	}
}
