// Package main implements the coordinator program:
//
//	coordinator nkeys length [print(0|1)]
//
// It generates length random key pairs over nkeys keys, dispatches compute
// requests to P-1 workers as keys get hot, runs the exhaustive final phase and
// prints the elapsed time. With print=1 it also prints every key's value.
//
// Workers run in-process by default (PROCS-1 of them). With WORKER_ADDRS set,
// the coordinator drives remote worker processes over HTTP instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/keypairs/internal/cluster"
	"github.com/dreamware/keypairs/internal/config"
	"github.com/dreamware/keypairs/internal/coordinator"
	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/pool"
	"github.com/dreamware/keypairs/internal/stream"
	"github.com/dreamware/keypairs/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// newSource builds the pair stream for a run; a variable so tests can script it.
var newSource = func(cfg config.Config) coordinator.PairSource {
	return stream.New(cfg.NKeys, cfg.Length, cfg.Seed)
}

// Readiness probing of remote workers before the run starts
const (
	readyAttempts = 10
	readyDelay    = 400 * time.Millisecond
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, config.ErrUsage) || errors.Is(err, config.ErrTooFewProcesses) {
			fmt.Fprintln(os.Stderr, config.Usage)
		}
		logFatal("coordinator: %v", err)
	}
}

// run loads the configuration, builds the worker pool, drives a full run and
// writes the report to out.
func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	cfg, err := config.Load(args, getenv)
	if err != nil {
		return err
	}

	endpoints, err := buildEndpoints(ctx, cfg)
	if err != nil {
		return err
	}

	p, err := pool.New(endpoints...)
	if err != nil {
		return err
	}
	p.Start(ctx)

	c, err := coordinator.New(coordinator.Config{NKeys: cfg.NKeys, Size: cfg.Size}, p)
	if err != nil {
		_ = p.Terminate(ctx)
		return err
	}

	report, err := c.Run(ctx, newSource(cfg))
	if err != nil {
		_ = p.Terminate(ctx)
		return err
	}

	stats := p.Stats()
	log.Printf("run %s: %d requests over %d workers (spread %d), %d results folded",
		report.RunID, stats.Total, p.Workers(), stats.Spread, report.Stats.Folded)

	printReport(out, cfg, report)
	return nil
}

// buildEndpoints creates local workers, or remote forwarders after checking
// every remote worker answers.
func buildEndpoints(ctx context.Context, cfg config.Config) ([]pool.Endpoint, error) {
	if cfg.Remote() {
		if _, err := cluster.WaitReady(ctx, cfg.WorkerAddrs, readyAttempts, readyDelay); err != nil {
			return nil, err
		}
		eps := make([]pool.Endpoint, len(cfg.WorkerAddrs))
		for i, addr := range cfg.WorkerAddrs {
			eps[i] = cluster.NewRemoteWorker(addr)
		}
		return eps, nil
	}

	k := kernel.New(cfg.Size)
	eps := make([]pool.Endpoint, cfg.Workers())
	for i := range eps {
		eps[i] = worker.New(fmt.Sprintf("local-%d", i+1), k)
	}
	return eps, nil
}

func printReport(out io.Writer, cfg config.Config, report coordinator.Report) {
	fmt.Fprintf(out, "Elapsed time: %f, with %d proc, keys= %d, length=%d\n",
		report.Elapsed.Seconds(), cfg.Procs, cfg.NKeys, cfg.Length)
	if !cfg.Print {
		return
	}
	for key, v := range report.Values {
		fmt.Fprintf(out, "key %d : %f\n", key, v)
	}
}
