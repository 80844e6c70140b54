// Package log wraps go-hclog behind a package-level logger every kernel
// subsystem writes through, its level selectable from the environment.
package log

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "dennix",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("DENNIX_TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// EnableTrace raises the package logger to trace level. Used by command
// line flags that arrive after init has already run.
func EnableTrace() {
	L.SetLevel(hclog.Trace)
}
