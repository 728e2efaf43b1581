package main

import (
	"flag"
	"fmt"
	"os"

	"custodia/pkg/bundle"
)

func runVerifyBundle(args []string) int {
	fs := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var dir string
	fs.StringVar(&dir, "dir", "", "unpacked bundle directory")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "verify-bundle requires --dir")
		return 1
	}

	report, err := bundle.VerifyDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify bundle: %v\n", err)
		return 1
	}

	fmt.Printf("bundle=%s files=%d records=%d signature=%s\n",
		report.BundleID, report.FilesChecked, report.RecordsChecked, report.SignatureStatus)
	if report.Valid {
		fmt.Println("status=valid")
		return 0
	}
	fmt.Println("status=tamper-evident")
	for _, problem := range report.Problems {
		if problem.Path != "" {
			fmt.Printf("  %s: %s\n", problem.Path, problem.Reason)
			continue
		}
		fmt.Printf("  %s\n", problem.Reason)
	}
	return 1
}
