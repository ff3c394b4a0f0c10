// Command gatewayctl manages a running gateway through its admin API.
package main

import (
	"fmt"
	"os"

	"github.com/kirillkom/rag-gateway/cmd/gatewayctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
