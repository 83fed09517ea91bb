package abx

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the experiment core library.
var Version = strings.TrimSpace(versionFile)
