// Command pdfgate serves the multi-tenant PDF generation API.
package main

import (
	"os"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(runMain(os.Args, DefaultEnv()))
}
