//go:build linux

package offline0

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes returns the resident set size of the process. ok is false
// when /proc is unavailable.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// Only the fields that separate heap growth from file-backed mappings (the
// leveldb tables) are kept.
var smapsFields = []string{"Anonymous", "Rss", "Shared_Clean", "Private_Dirty"}

// processSmapsRollupBytes reads the smapsFields out of
// /proc/self/smaps_rollup, in bytes.
func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := make(map[string]struct{}, len(smapsFields))
	for _, k := range smapsFields {
		want[k] = struct{}{}
	}

	vals := make(map[string]uint64, len(smapsFields))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Key:    123 kB"
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, ok := want[key]; !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	var b strings.Builder
	for _, k := range smapsFields {
		v, ok := vals[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatBytes(v))
	}
	return b.String()
}
