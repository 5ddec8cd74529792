// Command idsyncctl runs maintenance operations against the identity store.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
