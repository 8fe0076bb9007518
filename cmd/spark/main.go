// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// spark is a command-line client for end-to-end encrypted
// conversations. It negotiates keys with the KMS, then posts, lists and
// fetches messages, decrypting them locally.
//
// Usage:
//
//	spark [--config path] [--token-file path] <command> [args...]
//
// The access token is read from SPARK_ACCESS_TOKEN, from --token-file
// ("-" for stdin), from piped stdin, or from an interactive prompt.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/spark/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	tokenFile  string
}

func run(args []string) error {
	var options globalOptions
	flagSet := pflag.NewFlagSet("spark", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&options.configPath, "config", "", "path to spark.yaml (default: $SPARK_CONFIG)")
	flagSet.StringVar(&options.tokenFile, "token-file", "", `read the access token from this file ("-" for stdin)`)
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("spark %s\n", version.Info())
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return fmt.Errorf("no command given")
	}
	command, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (run spark --help)", rest[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := command.run(ctx, options, rest[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Print(`spark - end-to-end encrypted messaging client

USAGE
    spark [global flags] <command> [args...]

COMMANDS
`)
	for _, name := range commandOrder {
		fmt.Printf("    %-8s %s\n", name, commands[name].summary)
	}
	fmt.Print("\nGLOBAL FLAGS\n")
	fmt.Print(flagSet.FlagUsages())
	fmt.Print(`
EXAMPLES
    # Check the token
    SPARK_ACCESS_TOKEN=... spark whoami

    # Post to a conversation, or to a person by email
    spark post 5c1f0e2a "hello"
    spark post ann@example.com "see attached" --file report.pdf

    # Show the last 20 messages
    spark list 5c1f0e2a --limit 20
`)
}
