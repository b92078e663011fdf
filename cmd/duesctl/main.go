// Command duesctl operates the remittance engine directly against its
// database, without going through the HTTP server.
//
//	duesctl trigger calculate-period --period 2025-06
//	duesctl trigger retry-failed
//	duesctl balance lodge-12 --as-of 2025-07-01T00:00:00Z
//	duesctl ledger lodge-12 --limit 20
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
