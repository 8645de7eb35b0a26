// Package config turns command line arguments and environment variables into
// a validated run configuration. Every failure here is a configuration error:
// it is reported before any worker starts.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/stream"
)

var (
	// ErrUsage is returned for missing or malformed arguments
	ErrUsage = errors.New("usage error")
	// ErrTooFewProcesses is returned when the process group has no worker
	ErrTooFewProcesses = errors.New("at least 2 processes are required")
)

// MinKeys is the smallest key space that can form a pair of distinct keys
const MinKeys = 2

// Usage is printed for configuration errors
const Usage = `use: coordinator nkeys length [print(0|1)]
     print: 0 disabled, 1 enabled

environment:
     PROCS         process group size, coordinator included (default NumCPU+1)
     KEY_SIZE      counter threshold (default 64)
     STREAM_SEED   pair generator seed (default 117)
     WORKER_ADDRS  comma separated remote worker URLs (sets PROCS to len+1)`

// Config is a validated run configuration
type Config struct {
	WorkerAddrs []string // Remote workers; empty means local workers
	NKeys       int64    // Key space size
	Length      int64    // Number of pairs in the stream
	Procs       int      // Process group size, coordinator included
	Size        int64    // Counter threshold
	Seed        uint64   // Stream seed
	Print       bool     // Dump the accumulator at the end
}

// Workers returns the number of worker processes, Procs-1
func (c Config) Workers() int {
	return c.Procs - 1
}

// Remote reports whether workers are remote processes
func (c Config) Remote() bool {
	return len(c.WorkerAddrs) > 0
}

// Load parses positional arguments (without the program name) and reads the
// environment through getenv.
//
// Example:
//
//	cfg, err := config.Load(os.Args[1:], os.Getenv)
//	if errors.Is(err, config.ErrUsage) {
//	    fmt.Fprintln(os.Stderr, config.Usage)
//	}
func Load(args []string, getenv func(string) string) (Config, error) {
	if len(args) < 2 || len(args) > 3 {
		return Config{}, fmt.Errorf("%w: expected nkeys length [print], got %d arguments", ErrUsage, len(args))
	}

	cfg := Config{
		Size: kernel.DefaultSize,
		Seed: stream.DefaultSeed,
	}

	var err error
	if cfg.NKeys, err = positive("nkeys", args[0]); err != nil {
		return Config{}, err
	}
	if cfg.NKeys < MinKeys {
		return Config{}, fmt.Errorf("%w: nkeys must be at least %d, got %d", ErrUsage, MinKeys, cfg.NKeys)
	}
	if cfg.Length, err = positive("length", args[1]); err != nil {
		return Config{}, err
	}
	if len(args) == 3 {
		switch args[2] {
		case "0":
		case "1":
			cfg.Print = true
		default:
			return Config{}, fmt.Errorf("%w: print must be 0 or 1, got %q", ErrUsage, args[2])
		}
	}

	if v := getenv("KEY_SIZE"); v != "" {
		if cfg.Size, err = positive("KEY_SIZE", v); err != nil {
			return Config{}, err
		}
	}
	if v := getenv("STREAM_SEED"); v != "" {
		if cfg.Seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("%w: STREAM_SEED: %v", ErrUsage, err)
		}
	}

	cfg.WorkerAddrs = parseAddrs(getenv("WORKER_ADDRS"))
	switch {
	case cfg.Remote():
		cfg.Procs = len(cfg.WorkerAddrs) + 1
	case getenv("PROCS") != "":
		n, err := strconv.Atoi(getenv("PROCS"))
		if err != nil {
			return Config{}, fmt.Errorf("%w: PROCS: %v", ErrUsage, err)
		}
		cfg.Procs = n
	default:
		cfg.Procs = runtime.NumCPU() + 1
	}

	if cfg.Procs < 2 {
		return Config{}, fmt.Errorf("%w (got %d)", ErrTooFewProcesses, cfg.Procs)
	}
	return cfg, nil
}

func positive(name, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUsage, name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %d", ErrUsage, name, n)
	}
	return n, nil
}

// parseAddrs splits a comma separated list, dropping blanks and duplicates
// while keeping the first occurrence order.
func parseAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" || slices.Contains(addrs, a) {
			continue
		}
		addrs = append(addrs, a)
	}
	return addrs
}
