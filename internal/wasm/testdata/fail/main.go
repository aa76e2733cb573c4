package main

import (
	"io"
	"os"
)

// Rejects lines starting with '!' by exiting non-zero.
func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}
	if len(input) > 0 && input[0] == '!' {
		os.Stderr.Write([]byte("rejected\n"))
		os.Exit(3)
	}
	os.Stdout.Write(input)
}
