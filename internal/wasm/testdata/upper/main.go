package main

import (
	"bytes"
	"io"
	"os"
)

// Reads one line on stdin and writes it upper-cased, followed by a newline.
func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}
	os.Stdout.Write(bytes.ToUpper(input))
	os.Stdout.Write([]byte("\n"))
}
