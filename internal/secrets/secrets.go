// Package secrets loads ~/.clodputer/secrets.env: optional KEY=VALUE
// lines, mode 0600, consumed by the executor's {{ secrets.NAME }}
// placeholder substitution.
package secrets

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Load reads a KEY=VALUE file into a map. A missing file is not an
// error (secrets are optional); a file whose permissions are looser
// than 0600 on Unix is rejected with a warning rather than a fatal
// error, so a misconfigured secrets file degrades (no secrets loaded)
// instead of aborting the engine.
func Load(path string, log *slog.Logger) (map[string]string, error) {
	if log == nil {
		log = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("secrets: stat %s: %w", path, err)
	}

	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			log.Warn("secrets file has overly permissive mode, refusing to load",
				slog.String("path", path),
				slog.String("mode", mode.String()),
			)
			return map[string]string{}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: opening %s: %w", path, err)
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warn("secrets: skipping malformed line", slog.String("path", path))
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: reading %s: %w", path, err)
	}
	return out, nil
}
