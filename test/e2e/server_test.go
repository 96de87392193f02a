package e2e

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "quarry-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "quarry")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/quarry")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// seedSource creates a SQLite database with a small people table.
func seedSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open source db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO people (id, name) VALUES (1, 'ada'), (2, 'grace'), (3, 'barbara')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed source db: %v", err)
		}
	}
	return path
}

func startServer(t *testing.T, binary string, extraEnv ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"QUARRY_LISTEN_ADDR="+addr,
		"QUARRY_DB_PATH="+filepath.Join(dir, "jobs.db"),
		"QUARRY_SOURCE_DSN="+seedSource(t),
		"QUARRY_STORAGE_ROOT="+filepath.Join(dir, "results"),
		"QUARRY_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (sp *serverProc) pollStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var job map[string]any
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if job["status"] == want {
			return job
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s status = %v, want %s", id, job["status"], want)
	return nil
}

func TestBinaryBuildsAndServesHealthz(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestQueryJobAgainstSQLiteSource(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, job := sp.post(t, "/v1/jobs/query", `{"query":"SELECT id, name FROM people ORDER BY id","async_after_s":5}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", status, job)
	}
	if job["status"] != "COMPLETE" {
		t.Fatalf("job status = %v, want COMPLETE", job["status"])
	}
	result, _ := job["result"].(map[string]any)
	want := `[{"id":1,"name":"ada"},{"id":2,"name":"grace"},{"id":3,"name":"barbara"}]`
	if result["body"] != want {
		t.Errorf("body = %v, want %s", result["body"], want)
	}
}

func TestExportJobDownloadsCSV(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, job := sp.post(t, "/v1/jobs/export", `{"query":"SELECT name FROM people WHERE id < 3 ORDER BY id"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", status, job)
	}
	id, _ := job["id"].(string)
	sp.pollStatus(t, id, "COMPLETE")

	resp, err := http.Get(sp.url + "/v1/jobs/" + id + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "name\nada\ngrace\n" {
		t.Errorf("csv = %q", body)
	}
}

func TestWriteStatementRejected(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, body := sp.post(t, "/v1/jobs/query", `{"query":"DROP TABLE people"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", status, body)
	}
}

func TestExportDisabledByEnv(t *testing.T) {
	sp := startServer(t, getBinary(t), "QUARRY_EXPORT_ENABLED=false")

	status, body := sp.post(t, "/v1/jobs/export", `{"query":"SELECT 1"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "not supported") {
		t.Errorf("error = %q, want not supported", msg)
	}
}

func TestMetricsExposeJobCounters(t *testing.T) {
	sp := startServer(t, getBinary(t))
	sp.post(t, "/v1/jobs/query", `{"query":"SELECT 1","async_after_s":5}`)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, name := range []string{
		"quarry_http_requests_total",
		"quarry_jobs_submitted_total",
		"quarry_jobs_finished_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))
	sp.post(t, "/v1/jobs/query", `{"query":"SELECT 1","async_after_s":5}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"job finished"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	var sawRequest, sawFinished bool
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry["msg"] {
		case "request":
			sawRequest = true
			for _, key := range []string{"method", "path", "status", "duration_ms", "principal"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		case "job finished":
			sawFinished = true
			if entry["status"] != "COMPLETE" {
				t.Errorf("job finished status = %v", entry["status"])
			}
		}
	}
	if !sawRequest || !sawFinished {
		t.Errorf("missing structured logs (request=%v finished=%v)\noutput:\n%s", sawRequest, sawFinished, sp.stdout.String())
	}
}
