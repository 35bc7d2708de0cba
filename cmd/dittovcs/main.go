// Command dittovcs runs the smart server of a distributed version control
// system and talks to running servers.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
