// Package lines holds the reference spectral-line table used for
// wavelength calibration: hydrogen Balmer lines from the star itself plus
// telluric O2 and H2O bands. Tables can also be loaded from a simple
// tabular text file.
package lines

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Line is one reference spectral feature.
type Line struct {
	Wavelength float64 // nm
	Strength   float64 // expected relative strength, arbitrary scale
	Label      string
	Absorption bool // dips below the continuum instead of peaking above it
}

// Table is an immutable, wavelength-ordered set of reference lines.
type Table struct {
	Lines []Line
}

// Default returns the built-in calibration table.
func Default() *Table {
	t := &Table{Lines: []Line{
		{Wavelength: 410.2, Strength: 0.3, Label: "H-delta", Absorption: true},
		{Wavelength: 434.0, Strength: 0.5, Label: "H-gamma", Absorption: true},
		{Wavelength: 486.1, Strength: 0.8, Label: "H-beta", Absorption: true},
		{Wavelength: 656.3, Strength: 1.0, Label: "H-alpha", Absorption: true},
		{Wavelength: 686.7, Strength: 0.6, Label: "O2(B)", Absorption: true},
		{Wavelength: 762.1, Strength: 1.0, Label: "O2(A)", Absorption: true},
		{Wavelength: 822.7, Strength: 0.3, Label: "H2O", Absorption: true},
		{Wavelength: 935.0, Strength: 0.5, Label: "H2O", Absorption: true},
	}}
	t.sort()
	return t
}

// InRange returns the lines inside [lambdaMin, lambdaMax].
func (t *Table) InRange(lambdaMin, lambdaMax float64) []Line {
	var out []Line
	for _, l := range t.Lines {
		if l.Wavelength >= lambdaMin && l.Wavelength <= lambdaMax {
			out = append(out, l)
		}
	}
	return out
}

func (t *Table) sort() {
	sort.Slice(t.Lines, func(i, j int) bool {
		return t.Lines[i].Wavelength < t.Lines[j].Wavelength
	})
}

// Load reads a line table from a text file with one line per row:
// wavelength strength label [absorption|emission]. '#' starts a comment.
func Load(path string) (*Table, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening line table: %w", err)
	}
	defer fd.Close()

	t := &Table{}
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line table %s: malformed row %q", path, text)
		}
		wl, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line table %s: bad wavelength %q: %w", path, fields[0], err)
		}
		strength, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line table %s: bad strength %q: %w", path, fields[1], err)
		}
		line := Line{Wavelength: wl, Strength: strength, Absorption: true}
		if len(fields) > 2 {
			line.Label = fields[2]
		}
		if len(fields) > 3 && fields[3] == "emission" {
			line.Absorption = false
		}
		t.Lines = append(t.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading line table: %w", err)
	}
	if len(t.Lines) == 0 {
		return nil, fmt.Errorf("line table %s: no lines", path)
	}
	t.sort()
	return t, nil
}
