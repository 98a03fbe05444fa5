// Command fox is the CLI front end spec.md §1 names as an external
// collaborator to the core: it loads a workload config, selects an engine,
// replays a trace, and writes the two stats CSVs of spec §6.
//
// Grounded on cmd/tinysql/main.go's flag.FlagSet + Config-struct shape,
// reduced from its SQL-REPL surface to a single batch run (an FTL trace
// replay has no interactive statements to echo).
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/driver"
	"github.com/fox-ftl/fox/internal/ftl"
	"github.com/fox-ftl/fox/internal/metrics"
	"github.com/fox-ftl/fox/internal/stats"
	"github.com/fox-ftl/fox/internal/trace"
	"github.com/fox-ftl/fox/internal/workload"
)

// Config holds the runtime configuration for one fox invocation.
type Config struct {
	WorkloadPath string
	TracePath    string
	OutDir       string
	EngineName   string
	MetricsAddr  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("fox: %v", err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("fox", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fox -workload FILE [OPTIONS]\n")
		fs.PrintDefaults()
	}

	var (
		workloadPath = fs.String("workload", "", "Path to the workload YAML config (required)")
		tracePath    = fs.String("trace", "", "Trace file path, overrides the workload config's trace_path")
		outDir       = fs.String("out", ".", "Directory to write heatmap_fox_io.csv / iotime_fox_io.csv into")
		engineName   = fs.String("engine", "in-place", "Engine to run: in-place|page-log|superblock|log-block")
		metricsAddr  = fs.String("metrics-addr", "", "If set, serve live Prometheus metrics on this address while the run executes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workloadPath == "" {
		fs.Usage()
		return fmt.Errorf("fox: -workload is required")
	}

	cfg := Config{
		WorkloadPath: *workloadPath,
		TracePath:    *tracePath,
		OutDir:       *outDir,
		EngineName:   *engineName,
		MetricsAddr:  *metricsAddr,
	}
	return runWithConfig(cfg)
}

func runWithConfig(cfg Config) error {
	wl, err := workload.Load(cfg.WorkloadPath)
	if err != nil {
		return err
	}
	if cfg.TracePath != "" {
		wl.TracePath = cfg.TracePath
	}
	if err := wl.Validate(); err != nil {
		return fmt.Errorf("fox: invalid workload: %w", err)
	}

	factory, err := ftl.ByName(cfg.EngineName)
	if err != nil {
		return fmt.Errorf("fox: %w", err)
	}
	eng := factory()

	entries, err := trace.Load(wl.TracePath)
	if err != nil {
		return fmt.Errorf("fox: %w", err)
	}
	log.Printf("fox: loaded %d trace entries from %s", len(entries), wl.TracePath)

	geo := wl.Geometry()
	dev := device.NewSimulated(geo.NC, geo.NL, geo.NB, geo.NP, geo.VPGSize())

	var metricsReg *metrics.Registry
	if cfg.MetricsAddr != "" {
		metricsReg = metrics.New(eng.Name())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsReg.Handler()}
		go func() {
			log.Printf("fox: serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fox: metrics server: %v", err)
			}
		}()
	}

	run, err := driver.Execute(eng.ID(), wl, dev, entries, metricsReg)
	if run != nil {
		if serr := stats.WriteHeatmap(cfg.OutDir, run.Heatmap()); serr != nil {
			log.Printf("fox: writing heatmap stats: %v", serr)
		}
		if serr := stats.WriteIOTime(cfg.OutDir, run.IOStats); serr != nil {
			log.Printf("fox: writing iotime stats: %v", serr)
		}
	}
	if err != nil {
		return fmt.Errorf("fox: %w", err)
	}

	printSummary(run)
	return nil
}

func printSummary(run *driver.Run) {
	p := message.NewPrinter(language.English)

	var bytesRead, bytesWritten, pagesRead, pagesWritten, erases, gcCount uint64
	for _, s := range run.IOStats {
		bytesRead += s.BytesRead
		bytesWritten += s.BytesWritten
		pagesRead += s.PagesRead
		pagesWritten += s.PagesWritten
		erases += s.ErasedBlocks
		gcCount += s.GCCount
	}

	fmt.Printf("run %s: engine %q, %s trace entries in %s\n",
		run.ID, run.Engine.Name(), p.Sprintf("%d", len(run.IOStats)), run.Duration.Round(time.Microsecond))
	fmt.Printf("  read:    %s (%s pages)\n", humanize.Bytes(bytesRead), p.Sprintf("%d", pagesRead))
	fmt.Printf("  written: %s (%s pages)\n", humanize.Bytes(bytesWritten), p.Sprintf("%d", pagesWritten))
	fmt.Printf("  erased:  %s blocks, %s GC passes\n", p.Sprintf("%d", erases), p.Sprintf("%d", gcCount))
}
