package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage message.
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pdfgate <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Run the PDF generation API (default)")
	fmt.Fprintln(w, "  doctor     Check Chrome, sandbox and storage prerequisites")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w, "  help       Show help for a command")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'pdfgate help <command>' for details on a specific command.")
}

// printServeUsage prints usage for the serve command.
func printServeUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pdfgate serve [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run the HTTP API until SIGINT or SIGTERM.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, --config <name>       Config file name or path (default: pdfgate.yaml if present)")
	fmt.Fprintln(w, "  -a, --addr <addr>         Listen address")
	fmt.Fprintln(w, "  -s, --shards <n>          Number of shards")
	fmt.Fprintln(w, "  -p, --pool-size <n>       Pages per shard")
	fmt.Fprintln(w, "  -t, --timeout <d>         Generation timeout (e.g. 30s)")
	fmt.Fprintln(w, "      --storage-dir <path>  Enable URL delivery from this directory")
	fmt.Fprintln(w, "      --log-level <s>       trace, debug, info, warn, error")
	fmt.Fprintln(w, "      --log-format <s>      json, console")
	fmt.Fprintln(w, "  -v, --verbose             Debug logging")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  PDFGATE_CONFIG, PDFGATE_ADDR, PDFGATE_SHARDS, PDFGATE_POOL_SIZE,")
	fmt.Fprintln(w, "  PDFGATE_TIMEOUT, PDFGATE_BROWSER_BIN, PDFGATE_QUOTA_DSN,")
	fmt.Fprintln(w, "  PDFGATE_DEFAULT_QUOTA, PDFGATE_RATE_LIMIT, PDFGATE_STORAGE_DIR,")
	fmt.Fprintln(w, "  PDFGATE_STORAGE_BASE_URL, PDFGATE_CACHE_SIZE, PDFGATE_LOG_LEVEL,")
	fmt.Fprintln(w, "  PDFGATE_LOG_FORMAT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Precedence: flags > environment > config file > defaults.")
}

// printDoctorUsage prints usage for the doctor command.
func printDoctorUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pdfgate doctor [--json] [-c config]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Check that this host can run pdfgate.")
}

// runHelp prints help for a specific command.
func runHelp(args []string, env *Environment) int {
	if len(args) == 0 {
		printUsage(env.Stdout)
		return ExitSuccess
	}

	switch args[0] {
	case "serve":
		printServeUsage(env.Stdout)
	case "doctor":
		printDoctorUsage(env.Stdout)
	case "version":
		fmt.Fprintln(env.Stdout, "Usage: pdfgate version")
		fmt.Fprintln(env.Stdout)
		fmt.Fprintln(env.Stdout, "Show version information.")
	case "help":
		fmt.Fprintln(env.Stdout, "Usage: pdfgate help [command]")
		fmt.Fprintln(env.Stdout)
		fmt.Fprintln(env.Stdout, "Show help for a command.")
	default:
		fmt.Fprintf(env.Stderr, "Unknown command: %s\n", args[0])
		printUsage(env.Stderr)
		return ExitUsage
	}
	return ExitSuccess
}
