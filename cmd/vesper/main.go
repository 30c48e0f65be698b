// Vesper CLI - interactive shell and snapshot tooling for the object runtime
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/vesper/config"
	"github.com/chazu/vesper/image"
	"github.com/chazu/vesper/vm"
)

func main() {
	configDir := flag.String("config", "", "Directory containing vesper.toml (default: walk up from cwd)")
	dbPath := flag.String("db", "vesper.db", "Snapshot database path")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vesper [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  repl                 Start the interactive shell\n")
		fmt.Fprintf(os.Stderr, "  stats                Print runtime statistics and exit\n")
		fmt.Fprintf(os.Stderr, "  snapshots            List stored snapshots\n")
		fmt.Fprintf(os.Stderr, "  rm <hash>            Delete a snapshot\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "repl"
	}

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "repl":
		rt := vm.NewRuntime(cfg.Options())
		defer rt.Close()
		if err := runREPL(rt, *dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "stats":
		rt := vm.NewRuntime(cfg.Options())
		defer rt.Close()
		printStats(os.Stdout, rt)
	case "snapshots":
		store, err := image.Open(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		infos, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, info := range infos {
			fmt.Printf("%s  %8d bytes  %s\n", info.Hash, info.Size, info.Created.Format("2006-01-02 15:04:05"))
		}
	case "rm":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: vesper rm <hash>")
			os.Exit(1)
		}
		store, err := image.Open(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Delete(flag.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
