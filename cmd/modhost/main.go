package main

import (
	"fmt"
	"os"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/cmd/modhost/cmd"
)

func main() {
	// Hosts that compile modules in register their factories here.
	catalog := modhost.NewCatalog()

	rootCmd := cmd.NewRootCommand(catalog)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
