package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "insert":
		runSeed(args, opInsert)
	case "update":
		runSeed(args, opUpdate)
	case "delete":
		runSeed(args, opDelete)
	case "version":
		fmt.Printf("seed version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`seed - generates change stream traffic for changerelay

Usage:
  seed <command> [options]

Commands:
  insert    Insert random student documents
  update    Rename random existing students
  delete    Delete random existing students
  version   Print version
  help      Show this help

Options:
  --uri         MongoDB connection URI (default: $MONGO_CONNECTION_URI or mongodb://127.0.0.1:27017)
  --database    Database name (default: mongo-cdc-poc-mongodb)
  --collection  Collection name (default: students)
  --count       Number of operations (default: 1)
  --threads     Number of concurrent writers (default: 1)
  --interval    Delay between operations of one writer (default: 0)
  --seed        Random seed, 0 = time based (default: 0)

Examples:
  seed insert --count=100 --threads=4
  seed update --count=10 --interval=500ms`)
}

func runSeed(args []string, op operation) {
	cfg := &Config{}
	fs := flag.NewFlagSet(string(op), flag.ExitOnError)

	defaultURI := os.Getenv("MONGO_CONNECTION_URI")
	if defaultURI == "" {
		defaultURI = "mongodb://127.0.0.1:27017"
	}

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	fs.StringVar(&cfg.URI, "uri", defaultURI, "MongoDB connection URI")
	fs.StringVar(&cfg.Database, "database", "mongo-cdc-poc-mongodb", "Database name")
	fs.StringVar(&cfg.Collection, "collection", "students", "Collection name")
	fs.IntVar(&cfg.Count, "count", 1, "Number of operations")
	fs.IntVar(&cfg.Threads, "threads", 1, "Number of concurrent writers")
	fs.DurationVar(&cfg.Interval, "interval", 0, "Delay between operations of one writer")
	fs.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 = time based)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Handle interrupt
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, op); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", op, err)
		os.Exit(1)
	}
}
