package netcli

import (
	"regexp"
	"strings"
)

var headerCell = regexp.MustCompile(`\S+(?: \S+)*`)

// ParseTable turns column-aligned CLI output into rows keyed by header.
// The first non-empty line is the header; header cells are separated by runs
// of two or more spaces, and row values are cut at the header offsets.
func ParseTable(output string) []map[string]string {
	lines := strings.Split(strings.ReplaceAll(output, "\r", ""), "\n")

	header := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			header = i
			break
		}
	}
	if header < 0 {
		return nil
	}

	cells := headerCell.FindAllStringIndex(lines[header], -1)
	if len(cells) < 2 {
		return nil
	}
	keys := make([]string, len(cells))
	starts := make([]int, len(cells))
	for i, c := range cells {
		keys[i] = columnKey(lines[header][c[0]:c[1]])
		starts[i] = c[0]
	}

	var rows []map[string]string
	for _, line := range lines[header+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.Trim(trimmed, "-= ") == "" {
			continue
		}
		row := make(map[string]string, len(keys))
		bounds := cutPoints(line, starts)
		for i, key := range keys {
			row[key] = strings.TrimSpace(slice(line, bounds[i], bounds[i+1]))
		}
		rows = append(rows, row)
	}
	return rows
}

// cutPoints aligns header offsets to token starts within line so values
// that overhang their column to the left stay intact.
func cutPoints(line string, starts []int) []int {
	bounds := make([]int, len(starts)+1)
	bounds[0] = 0
	for i := 1; i < len(starts); i++ {
		b := starts[i]
		if b > len(line) {
			b = len(line)
		}
		for b > bounds[i-1] && b < len(line) && b > 0 && line[b-1] != ' ' && line[b] != ' ' {
			b--
		}
		bounds[i] = b
	}
	bounds[len(starts)] = len(line)
	return bounds
}

func slice(s string, from, to int) string {
	if from >= len(s) || from >= to {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

func columnKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Join(strings.Fields(h), "_")
	return strings.Trim(h, ":")
}
