package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/config"
	"slicerecon/pkg/journal"
	"slicerecon/pkg/reconstruction"
	"slicerecon/pkg/server"
	"slicerecon/pkg/solver"
	"slicerecon/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "slicerecon.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	projectionAddr := flag.String("projection-addr", "", "Listen address for acquisition clients")
	visualizationAddr := flag.String("visualization-addr", "", "Listen address for visualization clients")
	sliceSize := flag.Int("slice-size", 0, "Edge length of reconstructed slices")
	previewSize := flag.Int("preview-size", 0, "Edge length of the preview volume")
	groupSize := flag.Int("group-size", 0, "Projections processed per group")
	cores := flag.Int("cores", 0, "Number of processing workers")
	mode := flag.String("mode", "", "Reconstruction mode: alternating or continuous")
	filter := flag.String("filter", "", "Ramp filter: ram-lak, shepp-logan or gaussian")
	retrievePhase := flag.Bool("phase", false, "Enable Paganin phase retrieval")
	tiltAxis := flag.Bool("tilt", false, "Expose rotation axis tilt tunables")
	journalPath := flag.String("journal", "", "Record sessions in this SQLite file")
	exportDir := flag.String("export-dir", "", "Write preview snapshots to this directory")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	logJSON := flag.Bool("log-json", false, "Log as JSON")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Explicitly set flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "projection-addr":
			cfg.Server.ProjectionAddr = *projectionAddr
		case "visualization-addr":
			cfg.Server.VisualizationAddr = *visualizationAddr
		case "slice-size":
			cfg.Reconstruction.SliceSize = *sliceSize
		case "preview-size":
			cfg.Reconstruction.PreviewSize = *previewSize
		case "group-size":
			cfg.Reconstruction.GroupSize = *groupSize
		case "cores":
			cfg.Reconstruction.FilterCores = *cores
		case "mode":
			cfg.Reconstruction.Mode = *mode
		case "filter":
			cfg.Reconstruction.Filter = *filter
		case "phase":
			cfg.Phase.Retrieve = *retrievePhase
		case "tilt":
			cfg.Reconstruction.TiltAxis = *tiltAxis
		case "journal":
			cfg.Journal.Enabled = *journalPath != ""
			cfg.Journal.Path = *journalPath
		case "export-dir":
			cfg.Export.Enabled = *exportDir != ""
			cfg.Export.Dir = *exportDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-json":
			cfg.Log.JSON = *logJSON
		}
	})

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if err := run(cfg, logger); err != nil {
		logger.Error("slicerecon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []reconstruction.Option{reconstruction.WithLogger(logger)}
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		j := journal.New(store, logger, journal.DefaultBuffer)
		defer j.Close()
		opts = append(opts, reconstruction.WithObserver(j))
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	engine := solver.NewCPUEngine()
	engine.Workers = settings.FilterCores
	rec := reconstruction.New(settings, engine, opts...)
	defer rec.Close()

	base := server.Config{ReadTimeout: cfg.Server.ReadTimeout, Logger: logger}

	vizCfg := server.VisualizationConfig{Config: base, SceneName: cfg.Server.SceneName}
	vizCfg.Addr = cfg.Server.VisualizationAddr
	viz := server.NewVisualizationServer(vizCfg, rec)
	viz.SetSliceCallback(func(o models.Orientation, _ int32) (models.SliceData, error) {
		return rec.ReconstructSlice(o)
	})
	rec.AddListener(viz)

	if cfg.Export.Enabled {
		exporter := visualization.NewExporter(cfg.Export.Dir, rec, logger)
		rec.AddListener(exporter)
		go exporter.Run(ctx)
		logger.Info("snapshot export enabled", "dir", cfg.Export.Dir)
	}

	projCfg := base
	projCfg.Addr = cfg.Server.ProjectionAddr
	proj := server.NewProjectionServer(projCfg, rec)

	if err := viz.Start(ctx); err != nil {
		return err
	}
	defer viz.Stop()
	if err := proj.Start(ctx); err != nil {
		return err
	}
	defer proj.Stop()

	logger.Info("slicerecon ready",
		"mode", settings.Mode.String(), "filter", settings.Filter.String(),
		"slice_size", settings.SliceSize, "preview_size", settings.PreviewSize,
		"group_size", settings.GroupSize, "cores", settings.FilterCores)

	<-ctx.Done()
	logger.Info("shutting down")

	stats := rec.Stats()
	ps := proj.Stats()
	logger.Info("session statistics",
		"received", stats.Received, "dropped", stats.Dropped, "processed", stats.Processed,
		"uploads", stats.Uploads, "cycles", stats.Cycles,
		"connections", ps.Connections, "packets", ps.Packets, "unknown", ps.Unknown, "failed", ps.Failed)
	return nil
}
