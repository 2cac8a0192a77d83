// Package procfs reads process and system memory figures from /proc.
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// RSS returns the resident set size of pid in bytes, read from
// /proc/<pid>/statm.
func RSS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, fmt.Errorf("read statm for pid %d: %w", pid, err)
	}
	return parseStatm(string(data), os.Getpagesize())
}

// parseStatm extracts the resident field (second column, in pages) and
// converts it to bytes.
func parseStatm(data string, pageSize int) (int64, error) {
	fields := strings.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed statm resident field: %w", err)
	}
	return pages * int64(pageSize), nil
}

// Meminfo returns total and available system memory in bytes.
func Meminfo() (total, available int64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()
	return parseMeminfo(f)
}

func parseMeminfo(r io.Reader) (total, available int64, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		var p *int64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			p = &total
		case strings.HasPrefix(line, "MemAvailable:"):
			p = &available
		default:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			kb, perr := strconv.ParseInt(fields[1], 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("malformed meminfo line %q: %w", line, perr)
			}
			*p = kb * 1024
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan meminfo: %w", err)
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("meminfo missing MemTotal")
	}
	return total, available, nil
}
