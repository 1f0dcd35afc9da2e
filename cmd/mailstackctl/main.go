// Command mailstackctl is the administrative CLI for mailstackd: mailbox
// and folder management, plus send-queue inspection, all operating
// directly against the same sqlite mailstore the daemon uses.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
