// Package planner runs a benchmark plan over a dataset: it pairs cases,
// assigns the split, processes every (case, task) pair on a bounded worker
// pool and writes the manifest and the diagnostics report.
package planner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/cases"
	"biometricvqa/pkg/cluster"
	"biometricvqa/pkg/config"
	"biometricvqa/pkg/manifest"
	"biometricvqa/pkg/masknorm"
	"biometricvqa/pkg/nifti"
	"biometricvqa/pkg/plan"
	"biometricvqa/pkg/visualization"
)

// VolumeCodec reads and writes volumes
type VolumeCodec interface {
	Read(path string) (*models.Volume, error)
	Write(path string, vol *models.Volume) error
}

// Params holds the resolved parameters of a run.
type Params struct {
	// PlanFile is the benchmark plan document
	PlanFile string

	// DatasetDir is the root that task folders are relative to
	DatasetDir string

	// DatasetName fills the dataset field when the plan does not name one
	DatasetName string

	// ManifestFile and DiagnosticsFile are the output locations
	ManifestFile    string
	DiagnosticsFile string

	// FigureDir is the default figure root when a task declares none
	FigureDir string

	// RandomSeed and SplitRatio determine the train/test split
	RandomSeed int64
	SplitRatio float64

	// ForceUint16Mask and ReorientToRAS enable the mask normalization steps.
	// Both rewrite dataset files in place.
	ForceUint16Mask bool
	ReorientToRAS   bool

	// Bounding box scale factors, overridable per task
	ShrunkScale   float64
	EnlargedScale float64

	// Connectivity is the clustering neighbourhood (6, 18 or 26)
	Connectivity int

	// NumWorkers bounds the number of pairs processed concurrently
	NumWorkers int

	// Visualization enables annotated figures
	Visualization bool

	// Verbose logs one line per processed pair
	Verbose bool

	Logger   *log.Logger
	Codec    VolumeCodec
	Renderer *visualization.Renderer
}

// NewParams resolves a run configuration into planner parameters.
func NewParams(cfg *config.Config) *Params {
	out := cfg.OutputDir()
	return &Params{
		PlanFile:        cfg.PlanPath(),
		DatasetDir:      cfg.Dataset.Dir,
		DatasetName:     cfg.Dataset.Name,
		ManifestFile:    filepath.Join(out, cfg.Output.ManifestFile),
		DiagnosticsFile: filepath.Join(out, cfg.Output.DiagnosticsFile),
		FigureDir:       filepath.Join(out, "figures"),
		RandomSeed:      cfg.Split.RandomSeed,
		SplitRatio:      cfg.Split.Ratio,
		ForceUint16Mask: cfg.Masks.ForceUint16,
		ReorientToRAS:   cfg.Masks.ReorientToRAS,
		ShrunkScale:     cfg.BBox.ShrunkScale,
		EnlargedScale:   cfg.BBox.EnlargedScale,
		Connectivity:    cfg.Clustering.Connectivity,
		NumWorkers:      cfg.Processing.NumWorkers,
		Visualization:   cfg.Output.Visualization,
		Verbose:         cfg.Output.Verbose,
	}
}

// Summary describes a completed run
type Summary struct {
	Tasks       int
	Cases       int
	Pairs       int
	Records     int
	Train       int
	Test        int
	Status      map[manifest.Status]int
	Diagnostics map[diag.Kind]int
	Manifest    string
	Report      string
	Duration    time.Duration
}

// AsMap returns the summary in the form stored in the diagnostics file.
func (s *Summary) AsMap() map[string]any {
	status := make(map[string]int, len(s.Status))
	for k, v := range s.Status {
		status[string(k)] = v
	}
	return map[string]any{
		"tasks":    s.Tasks,
		"cases":    s.Cases,
		"pairs":    s.Pairs,
		"records":  s.Records,
		"train":    s.Train,
		"test":     s.Test,
		"status":   status,
		"manifest": s.Manifest,
		"duration": s.Duration.Round(time.Millisecond).String(),
	}
}

// Planner executes one benchmark run
type Planner struct {
	params     *Params
	log        *log.Logger
	codec      VolumeCodec
	normalizer *masknorm.Normalizer
	extractor  *cluster.Extractor
	renderer   *visualization.Renderer
	report     *diag.Report

	// normalized holds one entry per file so shared files are rewritten once
	normMu     sync.Mutex
	normalized map[string]*normalizeEntry
}

type normalizeEntry struct {
	once sync.Once
	res  masknorm.Result
	err  error
}

// NewPlanner creates a planner, filling unset parameters with defaults.
func NewPlanner(params *Params) (*Planner, error) {
	if params.Logger == nil {
		params.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if params.Codec == nil {
		params.Codec = nifti.Codec{}
	}
	if params.Renderer == nil {
		params.Renderer = visualization.NewRenderer()
	}
	if params.NumWorkers < 1 {
		params.NumWorkers = runtime.NumCPU()
	}
	if params.Connectivity == 0 {
		params.Connectivity = cluster.DefaultConnectivity
	}

	extractor, err := cluster.NewExtractor(params.Connectivity)
	if err != nil {
		return nil, err
	}

	return &Planner{
		params: params,
		log:    params.Logger,
		codec:  params.Codec,
		normalizer: &masknorm.Normalizer{
			Codec:         params.Codec,
			ForceUint16:   params.ForceUint16Mask,
			ReorientToRAS: params.ReorientToRAS,
		},
		extractor:  extractor,
		renderer:   params.Renderer,
		report:     diag.NewReport(),
		normalized: make(map[string]*normalizeEntry),
	}, nil
}

// Report returns the diagnostics gathered so far.
func (p *Planner) Report() *diag.Report {
	return p.report
}

// Run executes the plan. It returns an error only for fatal conditions: an
// invalid plan, an unwritable output or a cancelled context. Case-scoped
// conditions end up in the manifest and the diagnostics report.
func (p *Planner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	// Step 1: Load and validate the plan before touching any data
	p.log.Println("Step 1: Loading benchmark plan...")
	pl, err := plan.LoadAndCompile(p.params.PlanFile)
	if err != nil {
		return nil, err
	}
	p.log.Printf("Loaded %d task(s) from %s", len(pl.Tasks), p.params.PlanFile)

	// Step 2: Pair artifacts per task
	p.log.Println("Step 2: Pairing case artifacts...")
	pairings := cases.NewPairer(p.params.DatasetDir).PairAll(pl)
	for _, pr := range pairings {
		for _, m := range pr.Missing {
			p.report.Add(m.CaseID, pr.Task.Index, "pair", m)
			p.log.Printf("Warning: task %d: %v", pr.Task.Index, m)
		}
		p.log.Printf("Task %d (%s): %d complete case(s), %d excluded", pr.Task.Index, pr.Task.Variant, len(pr.Cases), len(pr.Missing))
	}

	// Step 3: Split over every paired case id. This completes before any
	// case is processed.
	p.log.Println("Step 3: Assigning train/test split...")
	ids := cases.CaseIDs(pairings)
	assignment, err := cases.AssignSplit(ids, p.params.RandomSeed, p.params.SplitRatio)
	if err != nil {
		return nil, err
	}
	if err := assignment.Apply(pairings); err != nil {
		return nil, err
	}
	train, test := assignment.Counts()
	p.log.Printf("Split %d case(s): %d train, %d test (seed %d)", len(ids), train, test, p.params.RandomSeed)

	// Step 4: Open the manifest
	p.log.Println("Step 4: Opening manifest...")
	writer, err := manifest.Create(p.params.ManifestFile)
	if err != nil {
		return nil, err
	}

	// Step 5: Process every pair
	p.log.Printf("Step 5: Processing case-task pairs with %d worker(s)...", p.params.NumWorkers)
	status, runErr := p.processAll(ctx, pl, pairings, writer)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return nil, runErr
	}

	summary := &Summary{
		Tasks:       len(pl.Tasks),
		Cases:       len(ids),
		Records:     writer.Count(),
		Train:       train,
		Test:        test,
		Status:      status,
		Diagnostics: p.report.Counts(),
		Manifest:    p.params.ManifestFile,
		Report:      p.params.DiagnosticsFile,
	}
	for _, pr := range pairings {
		summary.Pairs += len(pr.Cases)
	}

	// Step 6: Write diagnostics
	p.log.Println("Step 6: Writing diagnostics report...")
	summary.Duration = time.Since(start)
	if err := p.report.Save(p.params.DiagnosticsFile, summary.AsMap()); err != nil {
		return nil, err
	}

	return summary, nil
}

type workItem struct {
	task *plan.Task
	c    models.Case
}

type workResult struct {
	rec *manifest.Record
	err error
}

// processAll fans the pairs out to the worker pool. The calling goroutine
// is the only writer of the manifest; a fatal error cancels the pool and
// stops submission.
func (p *Planner) processAll(ctx context.Context, pl *plan.Plan, pairings []*cases.Pairing, writer *manifest.Writer) (map[manifest.Status]int, error) {
	var items []workItem
	for _, pr := range pairings {
		for _, c := range pr.Cases {
			items = append(items, workItem{task: pr.Task, c: c})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run interrupted before processing: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan workItem)
	results := make(chan workResult)

	go func() {
		defer close(work)
		for _, it := range items {
			select {
			case work <- it:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.params.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				if ctx.Err() != nil {
					return
				}
				rec, err := p.processCase(pl.Info, it.task, it.c)
				select {
				case results <- workResult{rec: rec, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	status := make(map[manifest.Status]int)
	total := len(items)
	step := total / 10
	if step < 1 {
		step = 1
	}
	done := 0

	var fatal error
	for res := range results {
		if fatal != nil {
			continue
		}
		if res.err != nil {
			fatal = res.err
			cancel()
			continue
		}
		if err := writer.Write(res.rec); err != nil {
			fatal = err
			cancel()
			continue
		}
		status[res.rec.Status]++
		done++
		if p.params.Verbose {
			p.log.Printf("Case %s task %d: %s", res.rec.CaseID, res.rec.Task, res.rec.Status)
		}
		if done%step == 0 || done == total {
			p.log.Printf("Processed %d/%d pairs (%.1f%%)", done, total, float64(done)/float64(total)*100)
		}
	}

	if fatal != nil {
		return nil, fatal
	}
	if err := ctx.Err(); err != nil && done < total {
		return nil, fmt.Errorf("run interrupted after %d/%d pairs: %w", done, total, err)
	}
	return status, nil
}
