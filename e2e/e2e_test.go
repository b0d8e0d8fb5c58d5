//go:build e2e

// Package e2e drives the compiled sccgate binary against the in-process
// fake platform.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sccgate/testutil"
)

var binaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "sccgate-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath, err = testutil.BuildBinary(testutil.FindModuleRoot(".."), tmpDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

var files = map[string][]byte{
	"readme.txt":       []byte("on-premise says hi\n"),
	"docs/guide.md":    []byte("# Guide\n"),
	"media/video.bin":  bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 768*1024),
	"media/model.bin":  []byte("lfs pointer"),
	"media/deep/x.txt": []byte("x"),
}

type env struct {
	platform *testutil.Platform
	dir      string
	cfgPath  string
	environ  []string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	backend := testutil.NewContentsBackend(files)
	backend.MarkLargeObject("media/model.bin")

	e := &env{platform: testutil.NewPlatform(t, backend), dir: t.TempDir()}
	e.cfgPath = filepath.Join(e.dir, "config.toml")

	cfg := fmt.Sprintf(`[ledger]
path = %q

[server]
work_dir = %q
run_subdirs = true
shutdown_timeout = "5s"

[logging]
log_format = "json"
`, filepath.Join(e.dir, "runs.db"), filepath.Join(e.dir, "work"))
	require.NoError(t, os.WriteFile(e.cfgPath, []byte(cfg), 0o600))

	e.environ = append(os.Environ(),
		"VCAP_SERVICES="+e.platform.VCAPServices(),
		"SCCGATE_CONFIG="+e.cfgPath,
		"HOME="+e.dir,
		"PORT=",
	)

	return e
}

func (e *env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = e.environ

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func TestE2E_FetchMirrorRuns(t *testing.T) {
	e := newEnv(t)

	t.Run("fetch", func(t *testing.T) {
		stdout, stderr, err := e.run(t, "fetch", "onprem", "/raw/readme.txt")
		require.NoError(t, err, stderr)
		assert.Equal(t, "on-premise says hi\n", stdout)
	})

	into := filepath.Join(e.dir, "mirror")

	var runID string

	t.Run("mirror", func(t *testing.T) {
		stdout, stderr, err := e.run(t, "--json", "mirror", "--into", into, "onprem", testutil.ContentsPrefix)
		require.NoError(t, err, stderr)

		var rep struct {
			RunID       string `json:"run_id"`
			Dirs        int    `json:"dirs"`
			InlineFiles int    `json:"inline_files"`
			Streamed    int    `json:"streamed"`
			Failed      int    `json:"failed"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &rep))

		runID = rep.RunID
		assert.Equal(t, 3, rep.Dirs)
		assert.Equal(t, 3, rep.InlineFiles)
		assert.Equal(t, 2, rep.Streamed)
		assert.Zero(t, rep.Failed)

		for rel, want := range files {
			got, err := os.ReadFile(filepath.Join(into, filepath.FromSlash(rel)))
			require.NoError(t, err, rel)
			assert.Equal(t, want, got, rel)
		}
	})

	t.Run("mirror_again_fails", func(t *testing.T) {
		_, _, err := e.run(t, "mirror", "--into", into, "onprem", testutil.ContentsPrefix)
		require.Error(t, err)
	})

	t.Run("runs", func(t *testing.T) {
		stdout, stderr, err := e.run(t, "--json", "runs")
		require.NoError(t, err, stderr)

		var runs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
		require.Len(t, runs, 2)
		assert.Equal(t, "failed", runs[0].Status)
		assert.Equal(t, runID, runs[1].ID)
		assert.Equal(t, "completed", runs[1].Status)
	})
}

func TestE2E_Serve(t *testing.T) {
	e := newEnv(t)

	addr, err := testutil.FreeAddr()
	require.NoError(t, err)

	cmd := exec.Command(binaryPath, "serve", "--listen", addr)
	cmd.Env = e.environ

	var logs bytes.Buffer
	cmd.Stderr = &logs

	require.NoError(t, cmd.Start())

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
		}
	})

	base := "http://" + addr
	require.NoError(t, testutil.WaitHealthy(t.Context(), base+"/healthz", 10*time.Second), logs.String())

	get := func(path string) (int, []byte) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		return resp.StatusCode, body
	}

	status, body := get("/getData?destination=onprem&path=/raw/readme.txt")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "on-premise says hi\n", string(body))

	status, body = get("/downloadDir?destination=onprem")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "Please provide parameters")

	status, body = get("/downloadDir?destination=onprem&path=/contents")
	require.Equal(t, http.StatusOK, status, string(body))

	var dl struct {
		RunID     string `json:"run_id"`
		LocalRoot string `json:"local_root"`
	}
	require.NoError(t, json.Unmarshal(body, &dl))

	require.Eventually(t, func() bool {
		status, body := get("/downloadDir/status?run=" + dl.RunID)
		if status != http.StatusOK {
			return false
		}

		var st struct {
			Run struct {
				Status string `json:"status"`
			} `json:"run"`
		}

		return json.Unmarshal(body, &st) == nil && st.Run.Status == "completed"
	}, 15*time.Second, 50*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dl.LocalRoot, "media", "video.bin"))
	require.NoError(t, err)
	assert.Equal(t, files["media/video.bin"], got)

	require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))

	select {
	case err := <-exited:
		require.NoError(t, err, logs.String())
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not exit after SIGTERM")
	}
}
