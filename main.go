// Package main is the entry point for the tslc application
package main

import (
	"github.com/telemetryops/tslc/cmd"
)

func main() {
	cmd.Execute()
}
