package ops

import (
	"context"
	"path/filepath"
	"time"

	"oms/internal/risk"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// debounce absorbs the burst of events editors produce for one save.
const debounce = 100 * time.Millisecond

// Watch calls apply with the risk limits every time the config file changes,
// until ctx is done. A file that fails to load is logged and skipped; the
// previous limits stay in effect. The directory is watched rather than the
// file so atomic rename-on-save is seen.
func Watch(ctx context.Context, path string, apply func(risk.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "watch %s", path)
	}

	go func() {
		defer w.Close()
		name := filepath.Clean(path)
		var (
			timer  *time.Timer
			reload <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != name || !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				reload = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logs.Warnf("config watcher error, path: %s, err: %+v", path, err)
			case <-reload:
				reload = nil
				cfg, err := LoadRisk(path)
				if err != nil {
					logs.Errorf("reload risk config, path: %s, err: %+v", path, err)
					continue
				}
				logs.Infof("risk config reloaded, path: %s", path)
				apply(cfg)
			}
		}
	}()
	return nil
}
