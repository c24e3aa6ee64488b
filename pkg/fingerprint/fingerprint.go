package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// File fingerprints the file at path. A missing file yields a fingerprint with
// an empty hash rather than an error, so deletion registers as a change.
func File(path string) (protocol.Fingerprint, error) {
	if path == "" {
		return protocol.Fingerprint{}, errors.New("missing path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return protocol.Fingerprint{}, errors.Wrap(err, "abs path")
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.Fingerprint{Path: abs}, nil
		}
		return protocol.Fingerprint{}, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return protocol.Fingerprint{}, errors.Wrap(err, "stat")
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return protocol.Fingerprint{}, errors.Wrap(err, "hash")
	}
	return protocol.Fingerprint{
		Path:    abs,
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    info.Size(),
		ModTime: protocol.NewTimestamp(info.ModTime()),
	}, nil
}

// Func returns a fingerprint source bound to path.
func Func(path string) func() (protocol.Fingerprint, error) {
	return func() (protocol.Fingerprint, error) { return File(path) }
}

// Watch calls onChange whenever path is written, created, renamed or removed,
// coalescing bursts within settle. It watches the parent directory so editors
// that replace the file atomically are still seen. Returns when ctx is done.
func Watch(ctx context.Context, path string, settle time.Duration, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "abs path")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, "watch dir")
	}
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("path", abs).Str("op", ev.Op.String()).Msg("fingerprint input touched")
			fire = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", abs).Msg("file watcher error")
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
