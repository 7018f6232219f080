package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
)

// runMain dispatches a command and returns the process exit code.
// Without a command, or when the first argument is a flag, it serves.
func runMain(args []string, env *Environment) int {
	cmd, rest := "serve", []string{}
	if len(args) > 1 {
		rest = args[1:]
		if !strings.HasPrefix(args[1], "-") || isTopLevelFlag(args[1]) {
			cmd, rest = args[1], args[2:]
		}
	}

	switch cmd {
	case "serve":
		ctx, stop := notifyContext(context.Background())
		defer stop()
		return reportError(env, runServe(ctx, rest, env))
	case "doctor":
		return runDoctorCmd(rest, env)
	case "version", "--version":
		fmt.Fprintf(env.Stdout, "pdfgate %s\n", Version)
		return ExitSuccess
	case "help", "-h", "--help":
		return runHelp(rest, env)
	default:
		fmt.Fprintf(env.Stderr, "Unknown command: %s\n", cmd)
		printUsage(env.Stderr)
		return ExitUsage
	}
}

func isTopLevelFlag(arg string) bool {
	switch arg {
	case "-h", "--help", "--version":
		return true
	}
	return false
}

// reportError prints err and maps it to an exit code. --help is not an error.
func reportError(env *Environment, err error) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	fmt.Fprintf(env.Stderr, "error: %v\n", err)
	return exitCodeFor(err)
}

// setMaxProcs matches GOMAXPROCS to the container CPU quota.
// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
// in which case Go runtime defaults apply.
func setMaxProcs(log logr.Logger) {
	_, _ = maxprocs.Set(maxprocs.Logger(logrPrintf(log)))
}
