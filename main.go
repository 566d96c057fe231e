// Package main is the entry point for the netwarden packet monitor.
package main

import (
	"fmt"
	"os"

	"github.com/dbreno/netwarden/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
