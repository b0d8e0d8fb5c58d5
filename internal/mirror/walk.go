package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/tonimelisma/sccgate/internal/gateway"
)

// walker holds the state of one sequential walk. It is not safe for
// concurrent use; only streaming tasks run concurrently.
type walker struct {
	m    *Mirror
	run  *Run
	ctx  context.Context //nolint:containedctx // scoped to one walk
	dest string

	// claimed tracks local targets already assigned in this run, so two
	// remote names normalizing to the same local name collide visibly.
	claimed map[string]bool
}

// walk mirrors remoteDir into localDir, which already exists. Any returned
// error aborts the whole run.
func (w *walker) walk(remoteDir, localDir string) error {
	if err := w.ctx.Err(); err != nil {
		return fmt.Errorf("mirror: walk canceled: %w", err)
	}

	body, err := w.m.fetcher.Call(w.ctx, gateway.Request{Destination: w.dest, Path: remoteDir})
	if err != nil {
		return fmt.Errorf("mirror: listing %s: %w", remoteDir, err)
	}

	entries, err := parseListing(body)
	if err != nil {
		return fmt.Errorf("mirror: listing %s: %w", remoteDir, err)
	}

	w.m.logger.Debug("mirror: listing fetched",
		slog.String("remote_path", remoteDir),
		slog.Int("entries", len(entries)),
	)

	for i := range entries {
		if err := w.entry(&entries[i], remoteDir, localDir); err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) entry(e *RemoteEntry, remoteDir, localDir string) error {
	remote := joinRemote(remoteDir, e.Name)

	name, err := safeName(e.Name)
	if err != nil {
		w.run.recordResult(w.ctx, Transfer{RemotePath: remote, Size: e.Size}, err)
		return nil
	}

	local := localJoin(localDir, name)

	switch e.Type {
	case TypeDir:
		if err := w.makeDir(local); err != nil {
			return err
		}

		w.run.mu.Lock()
		w.run.report.Dirs++
		w.run.mu.Unlock()

		return w.walk(remote, local)

	case TypeFile:
		if err := w.claim(local); err != nil {
			return err
		}

		return w.file(e, remote, local)

	default:
		w.m.logger.Debug("mirror: skipping entry",
			slog.String("remote_path", remote),
			slog.String("type", e.Type),
		)

		return nil
	}
}

// file writes a small file inline or dispatches a streaming task. Only
// local filesystem and cancellation errors abort the walk; remote failures
// are recorded against the file.
func (w *walker) file(e *RemoteEntry, remote, local string) error {
	if e.Size >= w.m.opts.LargeFileThreshold {
		w.dispatch(e.DownloadURL, remote, local, e.Size)
		return nil
	}

	body, err := w.m.fetcher.Call(w.ctx, gateway.Request{Destination: w.dest, Path: remote})
	if err != nil {
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			return fmt.Errorf("mirror: walk canceled: %w", ctxErr)
		}

		w.run.recordResult(w.ctx, Transfer{RemotePath: remote, LocalPath: local, Size: e.Size, Mode: ModeInline}, err)

		return nil
	}

	meta, err := parseMetadata(body)
	if err != nil {
		w.run.recordResult(w.ctx, Transfer{RemotePath: remote, LocalPath: local, Size: e.Size, Mode: ModeInline}, err)
		return nil
	}

	if strings.Contains(meta.DownloadURL, w.m.opts.LargeObjectMarker) {
		w.dispatch(meta.DownloadURL, remote, local, e.Size)
		return nil
	}

	data, err := decodeContent(meta)
	if err != nil {
		w.run.recordResult(w.ctx, Transfer{RemotePath: remote, LocalPath: local, Size: e.Size, Mode: ModeInline}, err)
		return nil
	}

	if err := writeFileAtomic(local, data); err != nil {
		return err
	}

	w.m.logger.Debug("mirror: wrote inline file",
		slog.String("local_path", local),
		slog.Int("bytes", len(data)),
	)

	w.run.recordResult(w.ctx, Transfer{
		RemotePath: remote, LocalPath: local, Size: e.Size, Mode: ModeInline, Bytes: int64(len(data)),
	}, nil)

	return nil
}

// dispatch queues a streaming download and returns at once. At most
// Workers queued downloads stream at a time.
func (w *walker) dispatch(downloadURL, remote, local string, size int64) {
	t := Transfer{RemotePath: remote, LocalPath: local, Size: size, Mode: ModeStream}

	sp, err := streamPath(downloadURL)
	if err != nil {
		w.run.recordResult(w.ctx, t, err)
		return
	}

	w.m.logger.Debug("mirror: dispatching stream",
		slog.String("path", sp),
		slog.String("local_path", local),
		slog.Int64("size", size),
	)

	ctx, m, dest, run := w.ctx, w.m, w.dest, w.run

	run.pool.Go(func() error {
		if err := run.slots.Acquire(ctx, 1); err != nil {
			run.recordResult(ctx, t, fmt.Errorf("mirror: queued stream canceled: %w", err))
			return nil
		}
		defer run.slots.Release(1)

		n, err := m.stream(ctx, dest, sp, local)
		t.Bytes = n
		run.recordResult(ctx, t, err)

		// Failures stay in the report; siblings keep running.
		return nil
	})
}

// claim applies the existing-target policy to a file target.
func (w *walker) claim(local string) error {
	if w.claimed[local] {
		return fmt.Errorf("%w: %s (duplicate name in listing)", ErrTargetExists, local)
	}

	info, err := os.Lstat(local)

	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("mirror: checking %s: %w", local, err)
	case w.m.opts.OnExisting != OnExistingOverwrite:
		return fmt.Errorf("%w: %s", ErrTargetExists, local)
	case info.IsDir():
		return fmt.Errorf("%w: %s is a directory", ErrTargetExists, local)
	default:
		w.m.logger.Warn("mirror: overwriting existing file", slog.String("local_path", local))
	}

	w.claimed[local] = true

	return nil
}

// makeDir creates a directory target under the existing-target policy.
func (w *walker) makeDir(local string) error {
	err := os.Mkdir(local, dirPerm)
	if err == nil {
		w.claimed[local] = true
		return nil
	}

	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("mirror: creating directory: %w", err)
	}

	if w.m.opts.OnExisting != OnExistingOverwrite || w.claimed[local] {
		return fmt.Errorf("%w: %s", ErrTargetExists, local)
	}

	info, statErr := os.Stat(local)
	if statErr != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrTargetExists, local)
	}

	w.m.logger.Warn("mirror: reusing existing directory", slog.String("local_path", local))
	w.claimed[local] = true

	return nil
}

// stream downloads one file through a fixed chunk buffer into
// local.partial and renames it into place on success.
func (m *Mirror) stream(ctx context.Context, dest, streamPath, local string) (int64, error) {
	s, err := m.fetcher.Open(ctx, gateway.Request{Destination: dest, Path: streamPath})
	if err != nil {
		return 0, err
	}
	defer s.Close()

	s.Wrap(func(r io.Reader) io.Reader {
		return m.opts.Bandwidth.WrapReader(ctx, r)
	})

	partial := local + partialSuffix

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, fmt.Errorf("mirror: creating %s: %w", partial, err)
	}

	n, copyErr := s.CopyChunks(f, m.opts.ChunkSize)
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		removePartial(partial, m.logger)
		return n, fmt.Errorf("mirror: streaming %s: %w", streamPath, err)
	}

	if err := os.Rename(partial, local); err != nil {
		removePartial(partial, m.logger)
		return n, fmt.Errorf("mirror: moving %s into place: %w", local, err)
	}

	m.logger.Debug("mirror: stream complete",
		slog.String("local_path", local),
		slog.Int64("bytes", n),
	)

	return n, nil
}

// writeFileAtomic writes data to path via a partial file and rename.
func writeFileAtomic(path string, data []byte) error {
	partial := path + partialSuffix

	if err := os.WriteFile(partial, data, filePerm); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("mirror: writing %s: %w", path, err)
	}

	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("mirror: moving %s into place: %w", path, err)
	}

	return nil
}

func removePartial(partial string, logger *slog.Logger) {
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("mirror: removing partial file failed",
			slog.String("path", partial),
			slog.String("error", err.Error()),
		)
	}
}
