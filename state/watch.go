package state

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rjeczalik/notify"
)

// DefaultSettle is how long Watch waits for writes to a file to stop.
const DefaultSettle = 200 * time.Millisecond

// Watch calls fn with the freshly loaded state every time the file at path
// changes until ctx is done. States failing to load are logged and skipped.
// The containing directory is watched so that editors replacing the file
// through a rename are picked up too.
func Watch(ctx context.Context, path string, settle time.Duration, fn func(*State)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("error resolving %q: %w", path, err)
	}
	name := filepath.Base(abs)

	// A buffered channel guarantees that we don't loose events even
	// if writes take place at the exact same time
	c := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Dir(abs), c, notify.Write|notify.Create|notify.Rename); err != nil {
		return fmt.Errorf("error watching %q: %w", path, err)
	}
	defer notify.Stop(c)

	if settle <= 0 {
		settle = DefaultSettle
	}

	timer := time.NewTimer(settle)
	timer.Stop()

	for {
		select {
		case e := <-c:
			if filepath.Base(e.Path()) != name {
				continue
			}
			slog.Debug("state file changed", "path", e.Path(), "event", e.Event())
			timer.Reset(settle)

		case <-timer.C:
			st, err := Load(abs)
			if err != nil {
				slog.Error("couldn't reload the state", "path", abs, "err", err)
				continue
			}
			fn(st)

		case <-ctx.Done():
			slog.Debug("stopped watching the state", "path", abs)
			return nil
		}
	}
}
