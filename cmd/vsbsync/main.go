package main

import (
	"os"

	"github.com/konishchev/vsbsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
