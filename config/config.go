// Package config handles vesper.toml runtime tuning.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/vesper/vm"
)

// FileName is the configuration file a runtime looks for.
const FileName = "vesper.toml"

// Config is a vesper.toml runtime configuration.
type Config struct {
	Collector Collector `toml:"collector"`
	Slots     Table     `toml:"slots"`
	Pins      Table     `toml:"pins"`
	Coroutine Coroutine `toml:"coroutine"`

	// Dir is the directory the file was loaded from (set at load time).
	Dir string `toml:"-"`
}

// Collector tunes collection pacing.
type Collector struct {
	ArenaCells   int `toml:"arena-cells"`
	StepBudget   int `toml:"step-budget"`
	AllocTrigger int `toml:"alloc-trigger"`
}

// Coroutine tunes the scheduler.
type Coroutine struct {
	SpawnLimit int `toml:"spawn-limit"`
}

// Table tunes one cuckoo-table variant.
type Table struct {
	InitialCapacity int     `toml:"initial-capacity"`
	MaxKicks        int     `toml:"max-kicks"`
	ShrinkFraction  float64 `toml:"shrink-fraction"`
	MinCapacity     int     `toml:"min-capacity"`
}

// Default returns the built-in tuning.
func Default() *Config {
	return &Config{
		Collector: Collector{
			ArenaCells:   vm.DefaultOptions.ArenaCells,
			StepBudget:   vm.DefaultCollectorOptions.StepBudget,
			AllocTrigger: vm.DefaultCollectorOptions.AllocTrigger,
		},
		Slots: tableFrom(vm.DefaultOptions.SlotTable),
		Pins:  tableFrom(vm.DefaultCuckooOptions),
	}
}

// Load parses vesper.toml from the given directory. Unset fields take the
// built-in defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a vesper.toml, then loads it.
// Returns nil (no error) if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the configuration into runtime options.
func (c *Config) Options() vm.Options {
	return vm.Options{
		ArenaCells: c.Collector.ArenaCells,
		Collector: vm.CollectorOptions{
			StepBudget:   c.Collector.StepBudget,
			AllocTrigger: c.Collector.AllocTrigger,
			RootTable:    c.Pins.cuckoo(),
		},
		SlotTable:  c.Slots.cuckoo(),
		SpawnLimit: c.Coroutine.SpawnLimit,
	}
}

func (t Table) cuckoo() vm.CuckooOptions {
	return vm.CuckooOptions{
		InitialCapacity: t.InitialCapacity,
		MaxKicks:        t.MaxKicks,
		ShrinkFraction:  t.ShrinkFraction,
		MinCapacity:     t.MinCapacity,
	}
}

func tableFrom(o vm.CuckooOptions) Table {
	return Table{
		InitialCapacity: o.InitialCapacity,
		MaxKicks:        o.MaxKicks,
		ShrinkFraction:  o.ShrinkFraction,
		MinCapacity:     o.MinCapacity,
	}
}
