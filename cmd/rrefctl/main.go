// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// rrefctl inspects running rref workers.
//
//	rrefctl debug --socket PATH [--json] [--timeout 5s]
//
// prints the reference-counting tables of a socket-transport worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rref/lib/process"
	"github.com/bureau-foundation/rref/lib/version"
	"github.com/bureau-foundation/rref/transport"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

const usage = `usage: rrefctl <command> [flags]

commands:
  debug     print a worker's reference table sizes
  version   print version information`

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "debug":
		return runDebug(args[1:], out)
	case "version", "--version":
		fmt.Fprintf(out, "rrefctl %s\n", version.Info())
		return nil
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runDebug(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("debug", pflag.ContinueOnError)
	socketPath := flags.String("socket", "", "socket path of the worker (required)")
	jsonOutput := flags.Bool("json", false, "print JSON instead of a table")
	timeout := flags.Duration("timeout", 5*time.Second, "how long to wait for the worker")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *socketPath == "" {
		return errors.New("--socket is required")
	}

	info, err := transport.DebugInfo(context.Background(), *socketPath, *timeout)
	if err != nil {
		return err
	}
	return printDebugInfo(out, info, *jsonOutput)
}

func printDebugInfo(out io.Writer, info map[string]int, jsonOutput bool) error {
	if jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	keys := make([]string, 0, len(info))
	for key := range info {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TABLE\tENTRIES")
	for _, key := range keys {
		fmt.Fprintf(writer, "%s\t%d\n", key, info[key])
	}
	return writer.Flush()
}
