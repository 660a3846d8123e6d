// Package dispersion models the disperser: the grating relation that maps
// pixel distance from the zeroth order to a first-guess wavelength, and its
// inverse. Grating metadata comes from a small key/value text file in the
// disperser directory.
package dispersion

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Grating describes a holographic disperser or grism.
type Grating struct {
	Name       string
	LinesPerMM float64 // groove density
	DistanceMM float64 // disperser-to-CCD distance along the optical axis
	TiltDeg    float64 // dispersion-axis tilt on the detector
	PixelPitch float64 // mm per pixel
}

// PixelToLambda converts a pixel distance from the zeroth order into a
// wavelength in nm via the grating equation for first order:
// lambda = sin(atan(d/D)) / N.
func (g *Grating) PixelToLambda(dxPixels float64) float64 {
	d := dxPixels * g.PixelPitch
	sinTheta := math.Sin(math.Atan2(d, g.DistanceMM))
	return sinTheta / g.LinesPerMM * 1e6 // mm -> nm
}

// LambdaToPixel is the inverse grating relation.
func (g *Grating) LambdaToPixel(lambdaNM float64) float64 {
	sinTheta := lambdaNM * g.LinesPerMM * 1e-6
	if sinTheta >= 1 {
		return math.Inf(1)
	}
	d := g.DistanceMM * math.Tan(math.Asin(sinTheta))
	return d / g.PixelPitch
}

// Load reads grating metadata from a key/value text file. Recognized keys:
// name, lines_per_mm, distance_mm, tilt_deg. Lines starting with '#' are
// comments. pixelPitch comes from the CCD configuration.
func Load(path string, pixelPitch float64) (*Grating, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening disperser file: %w", err)
	}
	defer fd.Close()

	g := &Grating{PixelPitch: pixelPitch}
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("disperser file %s: malformed line %q", path, line)
		}
		key, val := fields[0], fields[1]
		switch key {
		case "name":
			g.Name = val
		case "lines_per_mm", "distance_mm", "tilt_deg":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("disperser file %s: bad value for %s: %w", path, key, err)
			}
			switch key {
			case "lines_per_mm":
				g.LinesPerMM = v
			case "distance_mm":
				g.DistanceMM = v
			case "tilt_deg":
				g.TiltDeg = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading disperser file: %w", err)
	}
	if g.LinesPerMM <= 0 || g.DistanceMM <= 0 {
		return nil, fmt.Errorf("disperser file %s: lines_per_mm and distance_mm must be positive", path)
	}
	return g, nil
}
