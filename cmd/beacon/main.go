// beacon is the operator CLI for a local telemetry pipeline. It runs the
// background submitter and inspects or maintains the on-disk queue.
//
// Usage:
//
//	beacon [--config file] [--env-file file] <command> [flags]
//
// Settings come from the config file, the .env file and BEACON_*
// environment variables. See package config for the keys.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"run", "start the background submitter and admin listener", runCmd},
	{"stats", "print queue statistics", statsCmd},
	{"status", "print pipeline status", statusCmd},
	{"flush", "submit one batch now", flushCmd},
	{"clear", "delete every queued entry", clearCmd},
	{"cleanup", "delete entries queued longer than --older-than", cleanupCmd},
	{"ping", "check the collector is reachable", pingCmd},
	{"info", "print collector server info", infoCmd},
	{"record", "record an event and queue it", recordCmd},
	{"dropped", "print the dead-letter log", droppedCmd},
}

// env is the state shared by every command.
type env struct {
	configPath string
	envFile    string
	stdout     io.Writer
	stderr     io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	e := &env{stdout: stdout, stderr: stderr}

	flagSet := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&e.configPath, "config", "", "path to a YAML, TOML or JSON config file")
	flagSet.StringVar(&e.envFile, "env-file", ".env", "path to a .env file, ignored when missing")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return errors.New("missing command")
	}

	for _, c := range commands {
		if c.name != rest[0] {
			continue
		}
		cfg, err := config.Load(e.configPath, e.envFile)
		if err != nil {
			return err
		}
		e.cfg = cfg
		e.logger = cfg.Logger(stderr)
		return c.run(ctx, e, rest[1:])
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: beacon [flags] <command> [command flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

// open builds a pipeline over the configured store. The returned func
// closes the store.
func (e *env) open(ctx context.Context, extra ...beacon.Option) (*beacon.Beacon, func(), error) {
	s, err := e.cfg.OpenStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := append(e.cfg.Options(), beacon.WithStore(s), beacon.WithLogger(e.logger))
	opts = append(opts, extra...)

	b, err := beacon.New(opts...)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return b, func() {
		if cerr := s.Close(); cerr != nil {
			e.logger.Warn("close store", "error", cerr)
		}
	}, nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandFlags returns a flag set for a subcommand.
func commandFlags(name string, e *env) *pflag.FlagSet {
	fs := pflag.NewFlagSet("beacon "+name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return true, nil
}
