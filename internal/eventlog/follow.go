package eventlog

import (
	"context"
	"time"
)

// Follow polls the log file at path for newly appended events and
// invokes fn for each, until ctx is cancelled. It starts from the
// current end of file, matching tail -f semantics for the CLI's
// `logs --follow`.
func Follow(ctx context.Context, path string, pollInterval time.Duration, fn func(Event)) error {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	seen, err := ReadAll(path)
	if err != nil {
		return err
	}
	last := len(seen)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			all, err := ReadAll(path)
			if err != nil {
				continue
			}
			if len(all) > last {
				for _, e := range all[last:] {
					fn(e)
				}
				last = len(all)
			}
		}
	}
}
