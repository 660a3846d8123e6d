package image

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadText reads a frame from a whitespace- or comma-separated grid of ADU
// counts, one image row per line. Lines starting with '#' are skipped.
// Every row must have the same number of columns.
func LoadText(path string, gain, maxADU, readNoise float64) (*Frame, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image file: %w", err)
	}
	defer fd.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		row := make([]float64, 0, len(fields))
		for _, fstr := range fields {
			if fstr == "" {
				continue
			}
			v, err := strconv.ParseFloat(fstr, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing image value %q in %s: %w", fstr, path, err)
			}
			row = append(row, v)
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("image %s: row %d has %d columns, expected %d",
				path, len(rows), len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading image file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("image %s: no data rows", path)
	}

	f := NewFrame(len(rows[0]), len(rows), gain, maxADU, readNoise)
	for y, row := range rows {
		copy(f.Data[y*f.Width:(y+1)*f.Width], row)
	}
	return f, nil
}
