package main

import (
	"os"

	"github.com/psantana5/hopscotch/cmd/hopscotch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
