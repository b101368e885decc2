// Package config reads the worker's on-disk configuration file: the
// operation queue and CAS endpoints to talk to, the local root directory and
// cache budget, the output-packaging policies, and the platform properties
// this worker advertises when matching operations.
package config

import (
	"fmt"
	"os"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/please-build/gcfg"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/rexec-worker/src/action"
	"github.com/thought-machine/rexec-worker/src/cli"
)

var log = logging.MustGetLogger("config")

// Configuration is the root of the worker's config file, conventionally an
// ini-syntax file passed as the worker's sole positional argument.
type Configuration struct {
	Worker struct {
		InstanceName         string       `help:"Instance name selected on the CAS/queue server."`
		OperationQueue       string       `help:"Address, or implementation-defined location, of the operation queue to match against."`
		CASTarget            string       `help:"gRPC target of the CAS/Action Cache server."`
		Root                 string       `help:"Base directory for all worker state (cache, execution directories)." example:"/var/lib/rexec-worker"`
		CASCacheDirectory    string       `help:"Subpath, relative to Root unless absolute, for the local CAS file cache." example:"cas-cache"`
		CASCacheMaxSizeBytes cli.ByteSize `help:"Total byte budget for the local CAS file cache." example:"10G"`
		StreamStdout         bool         `help:"Forward stdout live to the server's byte-stream sink as it's produced."`
		StreamStderr         bool         `help:"Forward stderr live to the server's byte-stream sink as it's produced."`
		RequeueOnFailure     bool         `help:"Passed through to match(); whether the server should requeue an operation this worker fails to handle."`
		TreePageSize         int32        `help:"Page size requested from getTree when fetching an input root." example:"1000"`
		OperationPollPeriod  cli.Duration `help:"Interval between liveness polls for an in-flight operation's current stage." example:"5s"`
	}
	StdoutCASControl CASControl        `help:"Policy governing how captured stdout is packaged into the ActionResult."`
	StderrCASControl CASControl        `help:"Policy governing how captured stderr is packaged into the ActionResult."`
	FileCASControl   CASControl        `help:"Policy governing how declared output files are packaged into the ActionResult."`
	Platform         map[string]string `help:"Arbitrary platform properties this worker advertises when matching, e.g. OSFamily=linux."`
}

// CASControl is one `{limit, policy}` pair as read from the config file.
type CASControl struct {
	Limit  cli.ByteSize  `help:"Streams/files at or below this size are inlined raw."`
	Policy action.Policy `help:"One of never_insert, insert_above_limit, always_insert." example:"never_insert"`
}

// ToAction converts a config-file CASControl into the action package's type.
func (c CASControl) ToAction() action.CASInsertionControl {
	return action.CASInsertionControl{Limit: int64(c.Limit), Policy: c.Policy}
}

// Default returns a Configuration with the worker's baseline defaults, to be
// overridden by whatever the config file sets.
func Default() *Configuration {
	c := &Configuration{}
	c.Worker.CASCacheDirectory = "cas-cache"
	c.Worker.CASCacheMaxSizeBytes = cli.ByteSize(cli.GiByte * 10)
	c.Worker.TreePageSize = 1000
	c.Worker.OperationPollPeriod = cli.Duration(5 * time.Second)
	c.Worker.RequeueOnFailure = true
	never := action.CASInsertionControl{Limit: 1 << 20, Policy: action.PolicyNeverInsert}
	c.StdoutCASControl = CASControl{Limit: cli.ByteSize(never.Limit), Policy: never.Policy}
	c.StderrCASControl = CASControl{Limit: cli.ByteSize(never.Limit), Policy: never.Policy}
	c.FileCASControl = CASControl{Limit: cli.ByteSize(never.Limit), Policy: action.PolicyAlwaysInsert}
	return c
}

// ReadFile parses filename into a Configuration seeded with defaults.
func ReadFile(filename string) (*Configuration, error) {
	config := Default()
	log.Debug("Reading config from %s...", filename)
	if err := gcfg.ReadFileInto(config, filename); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", filename)
		} else if gcfg.FatalOnly(err) != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
		}
		log.Warning("Non-fatal error in config file %s: %s", filename, err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Configuration) validate() error {
	if c.Worker.Root == "" {
		return fmt.Errorf("root must be set")
	}
	if c.Worker.OperationQueue == "" {
		return fmt.Errorf("operation_queue must be set")
	}
	if c.Worker.CASTarget == "" {
		return fmt.Errorf("cas_target must be set")
	}
	return nil
}

// ToPlatform builds the pb.Platform this worker advertises when matching,
// from the [platform] section of the config file.
func (c *Configuration) ToPlatform() *pb.Platform {
	p := &pb.Platform{}
	for name, value := range c.Platform {
		p.Properties = append(p.Properties, &pb.Platform_Property{Name: name, Value: value})
	}
	return p
}
