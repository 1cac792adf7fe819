package main

import (
	"os"

	"github.com/go-delve/dexec/cmd/dexec/cmds"
	"github.com/go-delve/dexec/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DexecVersion.Build = Build
	}

	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
