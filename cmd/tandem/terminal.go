package main

import (
	"os"

	"golang.org/x/term"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// stdinIsTerminalFn lets tests force non-interactive mode.
var stdinIsTerminalFn = stdinIsTerminal
