// Package report keeps the record of every backup outcome and derives the JSON
// summary persisted at the top of the backup root.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/clock"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// FileName is the name of the report file inside the backup root.
const FileName = "relatorio_backup.json"

// Report is the derived summary. It is recomputed from the full ledger on every
// generation and never read back by the daemon.
type Report struct {
	Timestamp Timestamp `json:"timestamp"`
	Records   []Record  `json:"arquivosProcessados"`
	Successes int       `json:"sucessos"`
	Failures  int       `json:"falhas"`
	TotalSize int64     `json:"tamanhoTotal"`
}

// Generator writes the report for one backup root.
type Generator struct {
	backupRoot string
	ledger     *Ledger
	clock      clock.Clock

	// writeMu serializes whole-document writes so two concurrent generations
	// can never interleave bytes in the report file.
	writeMu sync.Mutex
}

// NewGenerator returns a Generator reading ledger and writing into backupRoot.
// A nil clock selects the wall clock.
func NewGenerator(backupRoot string, ledger *Ledger, clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Generator{backupRoot: backupRoot, ledger: ledger, clock: clk}
}

// Path returns the location of the report file.
func (g *Generator) Path() string {
	return filepath.Join(g.backupRoot, FileName)
}

// Build computes the current report without writing it.
func (g *Generator) Build() (Report, error) {
	records := g.ledger.Snapshot()
	rep := Report{
		Timestamp: Timestamp(g.clock.Now()),
		Records:   records,
	}
	for _, r := range records {
		switch r.Status {
		case StatusSuccess:
			rep.Successes++
		case StatusFailure:
			rep.Failures++
		}
	}

	size, err := TopLevelSize(g.backupRoot)
	if err != nil {
		return Report{}, err
	}
	rep.TotalSize = size
	return rep, nil
}

// Generate builds the report and overwrites the report file with it.
func (g *Generator) Generate() (Report, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	rep, err := g.Build()
	if err != nil {
		return Report{}, fmt.Errorf("could not build report: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return Report{}, fmt.Errorf("could not marshal report: %w", err)
	}
	if err := os.WriteFile(g.Path(), data, util.UserWritableFilePerms); err != nil {
		return Report{}, fmt.Errorf("could not write report %s: %w", g.Path(), err)
	}
	return rep, nil
}

// TopLevelSize sums the sizes of the regular files directly inside dir.
// Subdirectories are not descended into. Entries are resolved with os.Stat, so a
// symlink to a regular file counts with the size of its target. Entries that
// disappear while the directory is being read are skipped.
func TopLevelSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("could not read %s: %w", dir, err)
	}
	var total int64
	for _, entry := range entries {
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("could not stat %s: %w", entry.Name(), err)
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total, nil
}

// Load reads a report file previously written by a Generator.
func Load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("could not read report %s: %w", path, err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, fmt.Errorf("could not parse report %s: %w", path, err)
	}
	if rep.Records == nil {
		rep.Records = []Record{}
	}
	return rep, nil
}
