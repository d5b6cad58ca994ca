// Command ledgerctl is the operator tool for the prize-draw ledger.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand(connectPostgres)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errChainInvalid) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
