package main

import (
	"os"

	"github.com/trainforge/trainforge/cmd/trainforge-executor/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
