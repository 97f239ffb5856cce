// Package main is the entry point for logctl, the operator CLI for the log
// processing API.
package main

import (
	"os"

	"log-processing-service/cmd/logctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
