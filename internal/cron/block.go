package cron

import "strings"

// ExtractBlock returns the managed block's inner lines (without the
// markers) and whether a block was found.
func ExtractBlock(crontab string) (lines []string, found bool) {
	all := splitLines(crontab)
	start, end := -1, -1
	for i, line := range all {
		if strings.TrimSpace(line) == BeginMarker {
			start = i
		}
		if strings.TrimSpace(line) == EndMarker && start >= 0 {
			end = i
			break
		}
	}
	if start < 0 || end < 0 {
		return nil, false
	}
	return append([]string{}, all[start+1:end]...), true
}

// ReplaceBlock returns crontab with its managed block's contents
// replaced by newBlock (which must already include the BEGIN/END
// markers, as produced by RenderBlock). If no managed block exists,
// newBlock is appended. All content outside the block is preserved
// byte-for-byte.
func ReplaceBlock(crontab, newBlock string) string {
	all := splitLines(crontab)
	start, end := -1, -1
	for i, line := range all {
		if strings.TrimSpace(line) == BeginMarker {
			start = i
		}
		if strings.TrimSpace(line) == EndMarker && start >= 0 {
			end = i
			break
		}
	}

	if start < 0 || end < 0 {
		if strings.TrimSpace(crontab) == "" {
			return newBlock
		}
		sep := crontab
		if !strings.HasSuffix(sep, "\n") {
			sep += "\n"
		}
		return sep + newBlock
	}

	before := strings.Join(all[:start], "\n")
	after := strings.Join(all[end+1:], "\n")

	var b strings.Builder
	if before != "" {
		b.WriteString(before)
		b.WriteString("\n")
	}
	b.WriteString(newBlock)
	if after != "" {
		b.WriteString(after)
		b.WriteString("\n")
	}
	return b.String()
}

// RemoveBlock strips the managed block entirely, restoring the
// crontab to its pre-install shape.
func RemoveBlock(crontab string) string {
	all := splitLines(crontab)
	start, end := -1, -1
	for i, line := range all {
		if strings.TrimSpace(line) == BeginMarker {
			start = i
		}
		if strings.TrimSpace(line) == EndMarker && start >= 0 {
			end = i
			break
		}
	}
	if start < 0 || end < 0 {
		return crontab
	}

	remaining := append(append([]string{}, all[:start]...), all[end+1:]...)
	joined := strings.Join(remaining, "\n")
	if joined != "" && !strings.HasSuffix(joined, "\n") {
		joined += "\n"
	}
	return joined
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(s, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
