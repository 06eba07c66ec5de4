// Command gotrace loads a JavaScript program, connects it to a host bridge
// and invokes one of its functions under trace, with a remote shell attached.
package main

import (
	"io"
	"os"

	"github.com/joeycumines/gotrace/internal/command"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	return command.Run(command.NewLaunchCommand(), args, stdout, stderr)
}
