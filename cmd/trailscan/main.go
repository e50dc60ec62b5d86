package main

import (
	"os"

	"github.com/psantana5/trailscan/cmd/trailscan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
