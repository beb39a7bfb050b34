package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/viant/cask"
)

func main() {
	startGops()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "put":
		putCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	case "del":
		delCmd(os.Args[2:])
	case "merge":
		mergeCmd(os.Args[2:])
	case "stats":
		statsCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "import":
		importCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: cask <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  put     Store a key-value pair")
	fmt.Fprintln(os.Stderr, "  get     Print the value for a key")
	fmt.Fprintln(os.Stderr, "  del     Delete a key")
	fmt.Fprintln(os.Stderr, "  merge   Run one compaction batch")
	fmt.Fprintln(os.Stderr, "  stats   Print store statistics as JSON")
	fmt.Fprintln(os.Stderr, "  export  Write a snapshot to a URL")
	fmt.Fprintln(os.Stderr, "  import  Replace store contents from a snapshot URL")
}

func openStore(dir, configPath string) *cask.Store {
	var opts []cask.Option
	if configPath != "" {
		cfg, err := cask.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if opts, err = cfg.Options(); err != nil {
			log.Fatalf("config: %v", err)
		}
		if dir == "" {
			dir = cfg.Dir
		}
	}
	if dir == "" {
		log.Fatalf("a cask directory is required (--dir or config)")
	}
	store, err := cask.Open(dir, opts...)
	if err != nil {
		log.Fatalf("open %s: %v", dir, err)
	}
	return store
}

func putCmd(args []string) {
	flags := flag.NewFlagSet("put", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	key := flags.String("key", "", "key (required)")
	value := flags.String("value", "", "value")
	sync := flags.Bool("sync", false, "fsync before exit")
	flags.Parse(args)
	if *key == "" {
		log.Fatalf("put: --key is required")
	}
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	if err := store.Put([]byte(*key), []byte(*value)); err != nil {
		log.Fatalf("put: %v", err)
	}
	if *sync {
		if err := store.Sync(); err != nil {
			log.Fatalf("sync: %v", err)
		}
	}
}

func getCmd(args []string) {
	flags := flag.NewFlagSet("get", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	key := flags.String("key", "", "key (required)")
	flags.Parse(args)
	if *key == "" {
		log.Fatalf("get: --key is required")
	}
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	value, err := store.Get([]byte(*key))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	os.Stdout.Write(value)
	fmt.Println()
}

func delCmd(args []string) {
	flags := flag.NewFlagSet("del", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	key := flags.String("key", "", "key (required)")
	flags.Parse(args)
	if *key == "" {
		log.Fatalf("del: --key is required")
	}
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	if err := store.Delete([]byte(*key)); err != nil {
		log.Fatalf("del: %v", err)
	}
}

func mergeCmd(args []string) {
	flags := flag.NewFlagSet("merge", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	flags.Parse(args)
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := store.Merge(ctx); err != nil {
		log.Fatalf("merge: %v", err)
	}
}

func statsCmd(args []string) {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	flags.Parse(args)
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(store.Stats()); err != nil {
		log.Fatalf("stats: %v", err)
	}
}

func exportCmd(args []string) {
	flags := flag.NewFlagSet("export", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	dest := flags.String("dest", "", "snapshot destination URL (required)")
	flags.Parse(args)
	if *dest == "" {
		log.Fatalf("export: --dest is required")
	}
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := store.Export(ctx, *dest); err != nil {
		log.Fatalf("export: %v", err)
	}
}

func importCmd(args []string) {
	flags := flag.NewFlagSet("import", flag.ExitOnError)
	dir := flags.String("dir", "", "cask directory")
	configPath := flags.String("config", "", "config yaml (optional)")
	src := flags.String("src", "", "snapshot source URL (required)")
	flags.Parse(args)
	if *src == "" {
		log.Fatalf("import: --src is required")
	}
	store := openStore(*dir, *configPath)
	defer func() { _ = store.Close() }()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := store.Import(ctx, *src); err != nil {
		log.Fatalf("import: %v", err)
	}
}

func startGops() {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}
