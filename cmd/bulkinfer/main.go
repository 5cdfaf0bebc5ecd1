// Package main is the bulkinfer CLI: it pushes a directory of CT studies
// through the inference pipeline and produces an xlsx report for review.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
