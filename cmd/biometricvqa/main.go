package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"biometricvqa/internal/diag"
	"biometricvqa/pkg/config"
	"biometricvqa/pkg/manifest"
	"biometricvqa/pkg/planner"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Path to a YAML run configuration")
	writeDefault := flag.String("write-default-config", "", "Write a default configuration to this path and exit")
	datasetDir := flag.String("dataset-dir", "", "Root directory of the dataset files")
	datasetName := flag.String("dataset-name", "", "Dataset name used when the plan does not declare one")
	planFile := flag.String("plan", "", "Benchmark plan file, relative to the dataset dir unless absolute")
	randomSeed := flag.Int64("random-seed", 1024, "Seed of the train/test split")
	splitRatio := flag.Float64("split-ratio", 0.7, "Fraction of cases assigned to train")
	forceUint16 := flag.Bool("force-uint16-mask", false, "Rewrite masks as uint16 label volumes")
	reorient := flag.Bool("reorient2RAS", false, "Rewrite images and masks in RAS+ orientation")
	shrunkScale := flag.Float64("shrunk-bbox-scale", 0.9, "Scale factor of the shrunk bounding box")
	enlargedScale := flag.Float64("enlarged-bbox-scale", 1.1, "Scale factor of the enlarged bounding box")
	visualization := flag.Bool("visualization", false, "Render annotated figures")
	workers := flag.Int("workers", 0, "Number of concurrent workers (default: all CPUs)")
	outputDir := flag.String("out", "", "Output directory (default: dataset dir)")
	verbose := flag.Bool("verbose", false, "Log every processed case")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.CreateDefaultConfigFile(*writeDefault); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeDefault)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Only flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataset-dir":
			cfg.Dataset.Dir = *datasetDir
		case "dataset-name":
			cfg.Dataset.Name = *datasetName
		case "plan":
			cfg.Dataset.PlanFile = *planFile
		case "random-seed":
			cfg.Split.RandomSeed = *randomSeed
		case "split-ratio":
			cfg.Split.Ratio = *splitRatio
		case "force-uint16-mask":
			cfg.Masks.ForceUint16 = *forceUint16
		case "reorient2RAS":
			cfg.Masks.ReorientToRAS = *reorient
		case "shrunk-bbox-scale":
			cfg.BBox.ShrunkScale = *shrunkScale
		case "enlarged-bbox-scale":
			cfg.BBox.EnlargedScale = *enlargedScale
		case "visualization":
			cfg.Output.Visualization = *visualization
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "out":
			cfg.Output.Dir = *outputDir
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	if cfg.Dataset.Dir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("BIOMETRIC VQA BENCHMARK PLANNER")
	fmt.Println("================================")
	fmt.Printf("Dataset: %s\n", cfg.Dataset.Dir)
	fmt.Printf("Plan: %s\n", cfg.PlanPath())
	fmt.Printf("Split: ratio %.2f, seed %d\n", cfg.Split.Ratio, cfg.Split.RandomSeed)

	params := planner.NewParams(cfg)
	params.Logger = log.New(os.Stderr, "", log.LstdFlags)

	p, err := planner.NewPlanner(params)
	if err != nil {
		log.Fatalf("Failed to initialize planner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := p.Run(ctx)
	if err != nil {
		log.Fatalf("Benchmark planning failed: %v", err)
	}

	fmt.Printf("\nBenchmark planning completed in %.2f seconds!\n", summary.Duration.Seconds())
	fmt.Printf("Manifest saved to: %s\n", summary.Manifest)
	fmt.Printf("Diagnostics saved to: %s\n\n", summary.Report)

	fmt.Println("Summary:")
	fmt.Println("=======================================")
	fmt.Printf("Tasks: %d\n", summary.Tasks)
	fmt.Printf("Cases: %d (%d train, %d test)\n", summary.Cases, summary.Train, summary.Test)
	fmt.Printf("Records: %d\n", summary.Records)
	for _, status := range []manifest.Status{manifest.StatusOK, manifest.StatusPartial, manifest.StatusExcluded} {
		fmt.Printf("- %s: %d\n", status, summary.Status[status])
	}

	if len(summary.Diagnostics) > 0 {
		fmt.Println("\nDiagnostics:")
		kinds := make([]string, 0, len(summary.Diagnostics))
		for k := range summary.Diagnostics {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("- %s: %d\n", k, summary.Diagnostics[diag.Kind(k)])
		}
	}
}
