//go:build linux

package cleanup

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// procStat holds the fields of /proc/<pid>/stat this package needs:
// pid, command name (without parens), and parent pid.
type procStat struct {
	pid  int
	comm string
	ppid int
}

func readProcStat(pid int) (procStat, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, false
	}
	s := string(data)
	open := strings.IndexByte(s, '(')
	close := strings.LastIndexByte(s, ')')
	if open < 0 || close < 0 || close < open {
		return procStat{}, false
	}
	comm := s[open+1 : close]
	rest := strings.Fields(s[close+1:])
	if len(rest) < 2 {
		return procStat{}, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return procStat{}, false
	}
	return procStat{pid: pid, comm: comm, ppid: ppid}, true
}

func listPIDs() []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// procDescendants returns root and every live pid transitively parented
// by it, by scanning /proc once and walking the parent-pid relation.
func procDescendants(root int) []int {
	pids := listPIDs()
	stats := make(map[int]procStat, len(pids))
	for _, pid := range pids {
		if st, ok := readProcStat(pid); ok {
			stats[pid] = st
		}
	}

	if _, ok := stats[root]; !ok {
		return nil
	}

	childrenOf := make(map[int][]int, len(stats))
	for pid, st := range stats {
		childrenOf[st.ppid] = append(childrenOf[st.ppid], pid)
	}

	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		out = append(out, pid)
		queue = append(queue, childrenOf[pid]...)
	}
	return out
}

// procSweepOrphans kills any process whose comm matches allowlist and
// whose parent is pid 1 (reparented to init, i.e. orphaned) or whose
// parent no longer exists in the snapshot.
func procSweepOrphans(allowlist []string, log *slog.Logger) []int {
	pids := listPIDs()
	stats := make(map[int]procStat, len(pids))
	for _, pid := range pids {
		if st, ok := readProcStat(pid); ok {
			stats[pid] = st
		}
	}

	var killed []int
	for pid, st := range stats {
		if !matchesAllowlist(st.comm, allowlist) {
			continue
		}
		_, parentAlive := stats[st.ppid]
		if st.ppid != 1 && parentAlive {
			continue
		}
		if err := signalGroup(pid, forcefulSignal()); err != nil {
			// Not a process-group leader: signal the process itself.
			if err := syscall.Kill(pid, forcefulSignal()); err != nil {
				log.Debug("orphan sweep: signal failed", slog.Int("pid", pid), slog.Any("error", err))
				continue
			}
		}
		log.Warn("orphan sweep: terminated orphaned tool process",
			slog.Int("pid", pid), slog.String("comm", st.comm))
		killed = append(killed, pid)
	}
	return killed
}

func matchesAllowlist(comm string, allowlist []string) bool {
	for _, name := range allowlist {
		if comm == name || strings.Contains(comm, name) {
			return true
		}
	}
	return false
}
