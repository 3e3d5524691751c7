// Command stepd is the node daemon that runs the tasks of launched job
// steps.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
