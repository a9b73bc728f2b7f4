//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

const binarySecret = "e2e-binary-secret"

// todomirrorServer manages a running `todomirror serve` process.
type todomirrorServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
}

// startServer launches the binary's backend and waits for it to become
// healthy. It is configured entirely via environment variables.
func startServer(t *testing.T) *todomirrorServer {
	t.Helper()
	requireBinary(t)

	dataDir := t.TempDir()
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	logFile := fmt.Sprintf("%s/todomirror.log", dataDir)

	cmd := exec.Command(todomirrorBin, "serve")
	cmd.Env = append(baseEnv(dataDir),
		fmt.Sprintf("TODOMIRROR_PORT=%d", port),
		"TODOMIRROR_DB_PATH="+dataDir+"/todos.db",
		"TODOMIRROR_AUDIT_DIR="+dataDir+"/audit",
		"TODOMIRROR_LOG_FORMAT=json",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start todomirror: %v", err)
	}

	s := &todomirrorServer{cmd: cmd, dataDir: dataDir, address: address, logFile: logFile}
	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("todomirror not healthy: %v", err)
	}
	return s
}

// baseEnv isolates a process from any config file or .env in the
// working directory.
func baseEnv(dir string) []string {
	return append(os.Environ(),
		"TODOMIRROR_CONFIG_PATH="+dir+"/nonexistent.yaml",
		"TODOMIRROR_ENV_FILE="+dir+"/nonexistent.env",
		"TODOMIRROR_JWT_SECRET="+binarySecret,
	)
}

func (s *todomirrorServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *todomirrorServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *todomirrorServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("todomirror not healthy after %s", timeout)
}

// logContains reports whether the server log has an entry with msg.
func (s *todomirrorServer) logContains(t *testing.T, msg string) bool {
	t.Helper()
	data, err := os.ReadFile(s.logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		var entry map[string]any
		if json.Unmarshal(line, &entry) == nil && entry["msg"] == msg {
			return true
		}
	}
	return false
}

// --- CLI client ---

type todomirrorCLI struct {
	env []string
}

// newCLI returns a client logged in to s as user.
func newCLI(t *testing.T, s *todomirrorServer, user string) *todomirrorCLI {
	t.Helper()
	dir := t.TempDir()
	token := strings.TrimSpace(runCLI(t, baseEnv(dir), "token", user))
	return &todomirrorCLI{env: append(baseEnv(dir),
		"TODOMIRROR_BACKEND_URL="+s.baseURL(),
		"TODOMIRROR_TOKEN="+token,
	)}
}

func (c *todomirrorCLI) run(t *testing.T, args ...string) string {
	t.Helper()
	return runCLI(t, c.env, args...)
}

type listOutput struct {
	User  string `json:"user"`
	Todos []struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Completed bool   `json:"completed"`
		CreatedBy string `json:"createdBy"`
	} `json:"todos"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

func (c *todomirrorCLI) list(t *testing.T, args ...string) listOutput {
	t.Helper()
	out := c.run(t, append([]string{"ls", "--json"}, args...)...)
	var l listOutput
	if err := json.Unmarshal([]byte(out), &l); err != nil {
		t.Fatalf("parse ls output %q: %v", out, err)
	}
	return l
}

func (c *todomirrorCLI) add(t *testing.T, title string) string {
	t.Helper()
	return strings.TrimSpace(strings.TrimPrefix(c.run(t, "add", title), "added "))
}

func runCLI(t *testing.T, env []string, args ...string) string {
	t.Helper()
	cmd := exec.Command(todomirrorBin, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("todomirror %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
