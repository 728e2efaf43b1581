package main

import (
	"flag"
	"fmt"
	"os"

	cryptoinfra "custodia/internal/infra/crypto"
)

func runHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var inPath string
	fs.StringVar(&inPath, "in", "", "input JSON path")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if inPath == "" {
		fmt.Fprintln(os.Stderr, "hash requires --in")
		return 1
	}

	payload, err := os.ReadFile(inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return 1
	}
	canonical, err := cryptoinfra.CanonicalizeJSON(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canonicalize: %v\n", err)
		return 1
	}

	fmt.Println(cryptoinfra.HashBytes(canonical))
	return 0
}
