package main

import (
	"os"

	"github.com/stationd/stationd/cmd"
	"github.com/stationd/stationd/internal/build"
)

var version = "dev"

func init() {
	build.Version = version
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
