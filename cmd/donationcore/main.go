// Command donationcore runs the checkout webhook service.
package main

import (
	"fmt"
	"os"

	"donationcore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "donationcore:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
