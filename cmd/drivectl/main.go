// Command drivectl operates the document browser backend from a terminal:
// it drives the same credential, channel and archive components the HTTP
// API uses, against the configured stores.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
