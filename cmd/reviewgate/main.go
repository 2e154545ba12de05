// Package main is the entry point for the reviewgate CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reviewgate:", err)
		os.Exit(1)
	}
}
