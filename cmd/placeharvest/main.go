package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tavolo/placeharvest/internal/config"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		initFlag    bool
		yes         bool
		cellsArg    string
		statusFlag  bool
		watch       bool
		export      bool
		exportCells bool
		resetFailed bool
		outPath     string
		showVersion bool
	)

	fs := flag.NewFlagSet("placeharvest", flag.ContinueOnError)
	fs.BoolVar(&initFlag, "init", false, "Plan the cell grid and write a fresh progress file")
	fs.BoolVar(&yes, "yes", false, "With -init: overwrite an existing progress file")
	fs.StringVar(&cellsArg, "cells", "", "Harvest N pending cells, or 'all'")
	fs.BoolVar(&statusFlag, "status", false, "Print progress counters and exit")
	fs.BoolVar(&watch, "watch", false, "With -cells: show a live dashboard instead of plain progress")
	fs.BoolVar(&export, "export", false, "Export stored restaurants to CSV")
	fs.BoolVar(&exportCells, "export-cells", false, "Export the cell grid to GeoJSON")
	fs.BoolVar(&resetFailed, "reset-failed", false, "Mark failed cells pending again")
	fs.StringVar(&outPath, "out", "", "Output path for -export / -export-cells")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `placeharvest - restaurant data harvester

Usage:
  placeharvest -init [-yes]          Plan the grid for the configured bounding box
  placeharvest -cells <N|all>        Harvest pending cells (add -watch for a dashboard)
  placeharvest -status               Show progress
  placeharvest -export [-out f.csv]  Export restaurants to CSV
  placeharvest -export-cells [-out f.geojson]
  placeharvest -reset-failed         Re-queue failed cells

Flags:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration comes from HARVEST_* environment variables (a .env file is honored).\n")
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if showVersion {
		fmt.Println("placeharvest " + version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	switch {
	case initFlag:
		err = runInit(cfg, yes)
	case statusFlag:
		err = runStatus(cfg)
	case resetFailed:
		err = runResetFailed(cfg)
	case export:
		err = runExport(cfg, outPath)
	case exportCells:
		err = runExportCells(cfg, outPath)
	case cellsArg != "":
		err = runHarvest(cfg, cellsArg, watch)
	default:
		fs.Usage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
