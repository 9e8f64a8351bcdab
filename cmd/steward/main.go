package main

import (
	"os"

	"github.com/dativo-io/steward/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
