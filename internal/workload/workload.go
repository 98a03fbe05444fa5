// Package workload loads the workload object of spec §6: device geometry,
// superblock sizing, and the trace file path, from a YAML config file with
// CLI-flag overrides layered on top (spec §1: the workload-file parser is
// an external collaborator to the FTL core, but the repository still needs
// one to run end to end).
package workload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fox-ftl/fox/internal/geometry"
)

// Workload is the configuration object consumed by the engine registry and
// driver: device geometry plus engine-specific sizing and the trace path.
type Workload struct {
	NChannels int    `yaml:"nchannels"`
	NLuns     int    `yaml:"nluns"`
	NBlocks   int    `yaml:"nblocks"`
	NPages    int    `yaml:"npages"`
	NPlanes   int    `yaml:"nplanes"`
	PageBytes int    `yaml:"page_bytes"`
	SBPUs     int    `yaml:"sb_pus"`
	SBBlocks  int    `yaml:"sb_blocks"`
	LogPoolSz int    `yaml:"log_pool_size"`
	TracePath string `yaml:"trace_path"`
}

// Default returns a Workload with the sb_pus/sb_blocks/log_pool_size
// defaults named in spec §4.5-§4.6 (1, 1, 10).
func Default() Workload {
	return Workload{
		NChannels: 2,
		NLuns:     2,
		NBlocks:   4,
		NPages:    8,
		NPlanes:   2,
		PageBytes: 4096,
		SBPUs:     1,
		SBBlocks:  1,
		LogPoolSz: 10,
	}
}

// Load reads a YAML workload file from path, starting from Default() so
// fields the file omits keep their defaults.
func Load(path string) (Workload, error) {
	w := Default()
	f, err := os.Open(path)
	if err != nil {
		return Workload{}, fmt.Errorf("workload: open %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&w); err != nil {
		return Workload{}, fmt.Errorf("workload: parse %s: %w", path, err)
	}
	return w, nil
}

// Geometry derives a geometry.Geometry from the workload's device fields.
func (w Workload) Geometry() geometry.Geometry {
	return geometry.Geometry{
		NC:        w.NChannels,
		NL:        w.NLuns,
		NB:        w.NBlocks,
		NP:        w.NPages,
		Planes:    w.NPlanes,
		PageBytes: w.PageBytes,
	}
}

// Validate checks the config-level invariants of spec §7 ("Config: invalid
// geometry ... startup failure"): SB_PUS must divide NC*NL and SB_BLKS
// must divide NB, each within their valid range.
func (w Workload) Validate() error {
	geo := w.Geometry()
	if err := geo.Validate(); err != nil {
		return err
	}
	if w.TracePath == "" {
		return fmt.Errorf("workload: trace_path is required")
	}
	numPUs := geo.NumPUs()
	if w.SBPUs < 1 || w.SBPUs > numPUs {
		return fmt.Errorf("workload: sb_pus=%d out of range [1,%d]", w.SBPUs, numPUs)
	}
	if numPUs%w.SBPUs != 0 {
		return fmt.Errorf("workload: sb_pus=%d does not divide nchannels*nluns=%d", w.SBPUs, numPUs)
	}
	if w.SBBlocks < 1 || w.SBBlocks > w.NBlocks {
		return fmt.Errorf("workload: sb_blocks=%d out of range [1,%d]", w.SBBlocks, w.NBlocks)
	}
	if w.NBlocks%w.SBBlocks != 0 {
		return fmt.Errorf("workload: sb_blocks=%d does not divide nblocks=%d", w.SBBlocks, w.NBlocks)
	}
	if w.LogPoolSz < 1 {
		return fmt.Errorf("workload: log_pool_size must be positive, got %d", w.LogPoolSz)
	}
	return nil
}

// NumSuperblocks returns NSB = (NC*NL / SB_PUS) * (NB / SB_BLKS) (spec §3).
func (w Workload) NumSuperblocks() int {
	geo := w.Geometry()
	return (geo.NumPUs() / w.SBPUs) * (w.NBlocks / w.SBBlocks)
}

// SBTotalPages returns the page count of one superblock (SB_PUS * SB_BLKS *
// NP).
func (w Workload) SBTotalPages() int {
	return w.SBPUs * w.SBBlocks * w.NPages
}
