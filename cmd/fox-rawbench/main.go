// Command fox-rawbench is the raw-throughput probe spec.md §1 names as
// out of the FTL core's scope: it replays a trace straight against a flat
// file, bypassing the FTL entirely, to measure raw achievable throughput
// for comparison against an engine's run.
//
// Grounded on original_source/pblk_direct_rw.c: block-align every I/O,
// issue it directly, and report a running MB/s figure every 100 entries.
// O_DIRECT itself isn't reproduced (it demands page-aligned memory and a
// real block device or raw disk image neither of which this harness
// requires elsewhere) — see DESIGN.md; a plain file with block-aligned
// offsets/sizes gives the same I/O shape without requiring privileges.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fox-ftl/fox/internal/trace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("fox-rawbench: %v", err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("fox-rawbench", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fox-rawbench -trace FILE -file FILE [-blksize N]\n")
		fs.PrintDefaults()
	}
	tracePath := fs.String("trace", "", "Trace file path (required)")
	outPath := fs.String("file", "", "Backing file to write into (required)")
	blkSize := fs.Int("blksize", 4096, "Block-alignment size in bytes")
	reportEvery := fs.Int("report-every", 100, "Print a throughput line every N entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tracePath == "" || *outPath == "" {
		fs.Usage()
		return fmt.Errorf("fox-rawbench: -trace and -file are required")
	}

	entries, err := trace.Load(*tracePath)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("fox-rawbench: open %s: %w", *outPath, err)
	}
	defer f.Close()

	maxIOSize := int64(0)
	for _, e := range entries {
		if e.Size > maxIOSize {
			maxIOSize = e.Size
		}
	}
	buf := make([]byte, alignUp(maxIOSize, int64(*blkSize)))
	fmt.Printf("maxiosize: %d\n", maxIOSize)

	start := time.Now()
	var totalBytes uint64
	for i, e := range entries {
		alignedSize := alignUp(e.Size, int64(*blkSize))
		alignedOffset := alignDown(e.Offset, int64(*blkSize))

		if _, err := f.WriteAt(buf[:alignedSize], alignedOffset); err != nil {
			return fmt.Errorf("fox-rawbench: entry %d: write at %d: %w", i, alignedOffset, err)
		}
		totalBytes += uint64(alignedSize)

		if i%*reportEvery == 1 || i == len(entries)-1 {
			elapsed := time.Since(start)
			mbps := float64(totalBytes) / elapsed.Seconds() / (1024 * 1024)
			fmt.Printf("[%d/%d], %d, %d, %.3f\n", i+1, len(entries), totalBytes, elapsed.Microseconds(), mbps)
		}
	}
	return nil
}

func alignUp(v, align int64) int64   { return (v + align - 1) / align * align }
func alignDown(v, align int64) int64 { return v / align * align }
