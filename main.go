package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The report already names every failed file.
		if errors.Is(err, errTransfersFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
