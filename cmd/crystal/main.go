package main

import (
	"os"

	"github.com/jeffjacobsen/crystal/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
