// Package main is the entry point for stripe2qbo-sync CLI.
package main

import (
	"os"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/cmd/stripe2qbo-sync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
