// analyticsctl is the operator CLI: on-demand reconciliation, sweeps,
// rebuilds and smoke-test events.
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
