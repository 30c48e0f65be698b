package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/vesper/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_ParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[collector]
arena-cells = 512
step-budget = 64
alloc-trigger = 1024

[slots]
initial-capacity = 16
max-kicks = 8
shrink-fraction = 0.25
min-capacity = 16

[pins]
initial-capacity = 32

[coroutine]
spawn-limit = 100
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Collector.ArenaCells != 512 {
		t.Errorf("arena-cells: got %d, want 512", c.Collector.ArenaCells)
	}
	if c.Collector.StepBudget != 64 {
		t.Errorf("step-budget: got %d, want 64", c.Collector.StepBudget)
	}
	if c.Collector.AllocTrigger != 1024 {
		t.Errorf("alloc-trigger: got %d, want 1024", c.Collector.AllocTrigger)
	}
	if c.Slots.InitialCapacity != 16 || c.Slots.MaxKicks != 8 {
		t.Errorf("slots: got %+v", c.Slots)
	}
	if c.Slots.ShrinkFraction != 0.25 {
		t.Errorf("shrink-fraction: got %v, want 0.25", c.Slots.ShrinkFraction)
	}
	if c.Pins.InitialCapacity != 32 {
		t.Errorf("pins initial-capacity: got %d, want 32", c.Pins.InitialCapacity)
	}
	if c.Coroutine.SpawnLimit != 100 {
		t.Errorf("spawn-limit: got %d, want 100", c.Coroutine.SpawnLimit)
	}
	if c.Dir == "" {
		t.Error("Dir should record where the file was loaded from")
	}
}

func TestLoad_UnsetFieldsKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[collector]
step-budget = 7
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Collector.StepBudget != 7 {
		t.Errorf("step-budget: got %d, want 7", c.Collector.StepBudget)
	}
	def := Default()
	if c.Collector.ArenaCells != def.Collector.ArenaCells {
		t.Errorf("arena-cells should default: got %d, want %d",
			c.Collector.ArenaCells, def.Collector.ArenaCells)
	}
	if c.Slots != def.Slots {
		t.Errorf("slots should default: got %+v", c.Slots)
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without vesper.toml should fail")
	}
}

func TestLoad_MalformedFileIsError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[collector\nnot toml")
	if _, err := Load(dir); err == nil {
		t.Error("Load of malformed toml should fail")
	}
}

func TestFindAndLoad_WalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[collector]
step-budget = 99
`)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad should have found the config above")
	}
	if c.Collector.StepBudget != 99 {
		t.Errorf("step-budget: got %d, want 99", c.Collector.StepBudget)
	}
}

func TestFindAndLoad_NoFileReturnsNil(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil config, got %+v", c)
	}
}

func TestConfig_OptionsMapping(t *testing.T) {
	c := Default()
	c.Collector.ArenaCells = 64
	c.Collector.StepBudget = 5
	c.Collector.AllocTrigger = -1
	c.Slots.MaxKicks = 3
	c.Pins.InitialCapacity = 4
	c.Coroutine.SpawnLimit = 9

	opts := c.Options()
	if opts.ArenaCells != 64 {
		t.Errorf("ArenaCells: got %d", opts.ArenaCells)
	}
	if opts.Collector.StepBudget != 5 || opts.Collector.AllocTrigger != -1 {
		t.Errorf("Collector: got %+v", opts.Collector)
	}
	if opts.SlotTable.MaxKicks != 3 {
		t.Errorf("SlotTable.MaxKicks: got %d", opts.SlotTable.MaxKicks)
	}
	if opts.Collector.RootTable.InitialCapacity != 4 {
		t.Errorf("RootTable.InitialCapacity: got %d", opts.Collector.RootTable.InitialCapacity)
	}
	if opts.SpawnLimit != 9 {
		t.Errorf("SpawnLimit: got %d", opts.SpawnLimit)
	}

	// The defaults must boot a working runtime.
	rt := vm.NewRuntime(Default().Options())
	defer rt.Close()
	if rt.Root().IsNil() {
		t.Error("runtime built from default config should have a root")
	}
}
