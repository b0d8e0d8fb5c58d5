package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/sccgate/internal/gateway"
	"github.com/tonimelisma/sccgate/internal/ledger"
	"github.com/tonimelisma/sccgate/internal/mirror"
)

const msgMissingParameters = "Please provide parameters"

// Entry is one item of a mirrored tree, relative to the run's local root.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// DownloadResponse answers /downloadDir once the walk has finished.
// Streaming transfers may still be running.
type DownloadResponse struct {
	RunID     string  `json:"run_id"`
	LocalRoot string  `json:"local_root"`
	Entries   []Entry `json:"entries"`
}

// StatusResponse answers /downloadDir/status.
type StatusResponse struct {
	Run       *ledger.RunRecord       `json:"run"`
	Transfers []ledger.TransferRecord `json:"transfers,omitempty"`
	Errors    []string                `json:"errors,omitempty"`
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	st, err := s.gw.Open(r.Context(), gateway.Request{
		Destination: q.Get("destination"),
		Path:        q.Get("path"),
		Accept:      q.Get("accept"),
	})
	if err != nil {
		s.fail(w, r, gateway.HTTPStatus(err), err)
		return
	}
	defer st.Close()

	// Buffer the whole body so a broken upstream still gets an error status.
	body, err := io.ReadAll(st)
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, err)
		return
	}

	contentType := st.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

func (s *Server) handleDownloadDir(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	dest, remotePath := q.Get("destination"), q.Get("path")
	if dest == "" || remotePath == "" {
		http.Error(w, msgMissingParameters, http.StatusBadRequest)
		return
	}

	id := uuid.NewString()

	root := s.opts.WorkDir
	if s.opts.RunSubdirs {
		root = filepath.Join(root, id)
	}

	run, err := s.mirror.StartWithID(s.runCtx, id, dest, remotePath, root)
	if err != nil {
		s.fail(w, r, mirrorStatus(err), err)
		return
	}

	s.track(run)

	entries, err := listTree(root)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, DownloadResponse{RunID: run.ID, LocalRoot: root, Entries: entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("run")
	if id == "" {
		http.Error(w, msgMissingParameters, http.StatusBadRequest)
		return
	}

	if run, ok := s.lookupRun(id); ok {
		writeJSON(w, http.StatusOK, memoryStatus(run))
		return
	}

	if s.store == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	rec, err := s.store.Run(r.Context(), id)
	if errors.Is(err, ledger.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	transfers, err := s.store.Transfers(r.Context(), id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Run: rec, Transfers: transfers})
}

// memoryStatus renders a tracked run from its live report.
func memoryStatus(run *mirror.Run) StatusResponse {
	rep := run.Snapshot()

	resp := StatusResponse{Run: &ledger.RunRecord{
		ID:        run.ID,
		LocalRoot: run.LocalRoot,
		Status:    run.Status(),
		Files:     rep.InlineFiles + rep.Streamed + rep.Failed,
		Failed:    rep.Failed,
		Bytes:     rep.BytesWritten,
	}}

	for _, te := range rep.Errors {
		resp.Errors = append(resp.Errors, te.RemotePath+": "+te.Err.Error())
	}

	return resp
}

// mirrorStatus maps a failed walk to a response status.
func mirrorStatus(err error) int {
	switch {
	case errors.Is(err, mirror.ErrTargetExists):
		return http.StatusConflict
	case errors.Is(err, mirror.ErrUnsafeName):
		return http.StatusBadGateway
	default:
		return gateway.HTTPStatus(err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	s.logger.Log(r.Context(), level, "server: request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("stage", string(gateway.StageOf(err))),
		slog.String("error", err.Error()),
	)

	http.Error(w, err.Error(), status)
}

// listTree returns every directory and finished file under root.
func listTree(root string) ([]Entry, error) {
	entries := []Entry{}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == root || strings.HasSuffix(p, ".partial") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		e := Entry{Path: filepath.ToSlash(rel), Type: mirror.TypeFile}

		if d.IsDir() {
			e.Type = mirror.TypeDir
		} else if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}

		entries = append(entries, e)

		return nil
	})

	return entries, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
