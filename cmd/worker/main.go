// worker runs a remote-execution worker agent: it matches actions from an
// operation queue, materializes their inputs through a local CAS file cache,
// executes them under timeout, and reports results back.
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/cas"
	"github.com/thought-machine/rexec-worker/src/cli"
	"github.com/thought-machine/rexec-worker/src/config"
	"github.com/thought-machine/rexec-worker/src/executor"
	"github.com/thought-machine/rexec-worker/src/filecache"
	"github.com/thought-machine/rexec-worker/src/queue"
	"github.com/thought-machine/rexec-worker/src/worker"
)

var log = logging.MustGetLogger("worker")

// version is the worker's release version, reported by --version.
const version = "1.0.0"

var opts = struct {
	Usage     string        `usage:"worker runs a remote-execution worker agent against a configured operation queue and CAS server."`
	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	LogFile   string        `long:"log_file" description:"File to additionally log to, at the same --verbosity level"`
	Args      struct {
		Config string `positional-arg-name:"config" description:"Path to the worker's configuration file"`
	} `positional-args:"true" required:"true"`
}{}

func main() {
	cli.ParseFlagsOrDie("worker", version, &opts)
	cli.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		cli.InitFileLogging(opts.LogFile, opts.Verbosity)
	}

	cfg, err := config.ReadFile(opts.Args.Config)
	if err != nil {
		log.Fatalf("Failed to read config: %s", err)
	}
	if err := os.MkdirAll(cfg.Worker.Root, 0755); err != nil {
		log.Fatalf("Failed to create root directory %s: %s", cfg.Worker.Root, err)
	}

	client, err := cas.NewGRPCClient(cfg.Worker.CASTarget, cfg.Worker.InstanceName)
	if err != nil {
		log.Fatalf("Failed to connect to CAS server %s: %s", cfg.Worker.CASTarget, err)
	}

	cacheDir := cfg.Worker.CASCacheDirectory
	if !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(cfg.Worker.Root, cacheDir)
	}
	cache := filecache.New(cacheDir, int64(cfg.Worker.CASCacheMaxSizeBytes), client)
	if err := cache.Start(); err != nil {
		log.Fatalf("Failed to start CAS file cache at %s: %s", cacheDir, err)
	}

	if !filepath.IsAbs(cfg.Worker.OperationQueue) {
		log.Fatalf("operation_queue must be an absolute directory path")
	}
	if err := os.MkdirAll(cfg.Worker.OperationQueue, 0755); err != nil {
		log.Fatalf("Failed to create operation queue directory %s: %s", cfg.Worker.OperationQueue, err)
	}
	q := queue.New(cfg.Worker.OperationQueue)

	coordinator := worker.New(client, q, cache, worker.Config{
		Root:             cfg.Worker.Root,
		Platform:         cfg.ToPlatform(),
		RequeueOnFailure: cfg.Worker.RequeueOnFailure,
		PollPeriod:       time.Duration(cfg.Worker.OperationPollPeriod),
		TreePageSize:     cfg.Worker.TreePageSize,
		StreamStdout:     cfg.Worker.StreamStdout,
		StreamStderr:     cfg.Worker.StreamStderr,
		Policy: executor.Policy{
			Stdout: cfg.StdoutCASControl.ToAction(),
			Stderr: cfg.StderrCASControl.ToAction(),
			File:   cfg.FileCASControl.ToAction(),
		},
	})

	log.Notice("Worker started, matching against %s as instance %q", cfg.Worker.OperationQueue, cfg.Worker.InstanceName)
	if err := coordinator.RunForever(context.Background()); err != nil {
		log.Fatalf("Worker stopped: %s", err)
	}
}
