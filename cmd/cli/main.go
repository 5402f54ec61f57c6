// Package main is the entry point for the report-export CLI binary.
package main

import (
	"os"

	cli "report-export/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
