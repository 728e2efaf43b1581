package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		usage(args)
		return 1
	}

	switch args[1] {
	case "verify-bundle":
		return runVerifyBundle(args[2:])
	case "hash":
		return runHash(args[2:])
	}

	usage(args)
	return 1
}

func usage(args []string) {
	name := "custodia"
	if len(args) > 0 && args[0] != "" {
		name = filepath.Base(args[0])
	}
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s verify-bundle --dir <unpacked bundle directory>\n", name)
	fmt.Fprintf(os.Stderr, "  %s hash --in <file.json>\n", name)
}
