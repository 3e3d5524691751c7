// Command steplaunch launches a parallel job step on the nodes described by
// a step file and waits for its tasks to finish.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
