package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/nightskyops/specex/internal/app"
	"github.com/nightskyops/specex/internal/log"
	"github.com/nightskyops/specex/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	cfgFile := flag.String("config", "specex.yaml", "Path to the YAML run configuration")
	ledgerPath := flag.String("ledger", "specex.db", "Path to the SQLite run ledger")
	listFile := flag.String("list", "", "Batch list file: one 'image_path [guess_x guess_y]' per line.\n\t\t\tImages may also be passed as plain arguments")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("specex %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Load configuration
	provider := config.NewYAMLProvider(*cfgFile)
	cfg, err := provider.LoadConfig()
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	images, err := collectImages(*listFile, flag.Args())
	if err != nil {
		log.Errorf("Failed to read batch list: %v", err)
		os.Exit(1)
	}
	if len(images) == 0 {
		log.Errorf("No input images. Pass image paths or a -list file.")
		os.Exit(1)
	}

	application := app.New(cfg, *ledgerPath, log.GetSugaredLogger())
	if _, err := application.Run(context.Background(), images); err != nil {
		log.Errorf("Run failed: %v", err)
		os.Exit(1)
	}
}

// collectImages merges the -list file entries with plain argument paths.
func collectImages(listFile string, args []string) ([]app.ImageSpec, error) {
	var images []app.ImageSpec
	for _, a := range args {
		images = append(images, app.ImageSpec{Path: a})
	}
	if listFile == "" {
		return images, nil
	}

	fd, err := os.Open(listFile)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 {
			return nil, fmt.Errorf("line %q in %s: a centroid guess needs both coordinates", line, listFile)
		}
		spec := app.ImageSpec{Path: fields[0]}
		if len(fields) >= 3 {
			gx, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad guess_x %q in %s", fields[1], listFile)
			}
			gy, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("bad guess_y %q in %s", fields[2], listFile)
			}
			spec.GuessX, spec.GuessY = gx, gy
		}
		images = append(images, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return images, nil
}
