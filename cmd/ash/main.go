package main

import (
	"fmt"
	"os"

	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	c := &cli{}
	root := c.rootCommand()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return orchestrator.ExitStatus(nil, err)
	}
	return c.exitCode
}
