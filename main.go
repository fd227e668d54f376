package main

import (
	"fmt"
	"os"

	"github.com/virtdbg/virtdbg/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "virtdbg: %v\n", err)
		os.Exit(1)
	}
}
