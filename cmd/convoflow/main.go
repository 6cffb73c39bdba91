// Package main provides the all-in-one convoflow binary used in development.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "convoflow",
		Usage:                 "Messaging automation flow engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			ServeCommand(),
			ValidateCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
