package main

import (
	"os"

	"github.com/jeremyhahn/go-perso/pkg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
