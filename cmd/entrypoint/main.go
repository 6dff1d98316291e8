package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	err := root.Execute()
	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
