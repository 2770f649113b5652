// Package main provides the lobby binary: the RPC server and a small client
// for calling and watching it.
package main

import (
	"os"

	"github.com/cory-johannsen/lobby/cmd/lobby/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
