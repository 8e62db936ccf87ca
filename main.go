// Package main provides the entry point for the perfsec CLI.
package main

import (
	"os"

	"yqhp/perfsec/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
