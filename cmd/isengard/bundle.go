package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/isengard-ai/isengard/internal/app"
	"github.com/isengard-ai/isengard/internal/bundle"
	"github.com/isengard-ai/isengard/internal/common"
)

// runBundle writes a job's debug bundle to disk and prints the probable root
// cause. Runs against the same volume as the server; the server must be
// stopped, Badger allows a single process.
func runBundle(config *common.Config, args []string) {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	output := fs.String("output", "", "Bundle output path (default: {job_id}-bundle.zip)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: isengard bundle <job_id> [--output path]")
		os.Exit(2)
	}
	jobID := fs.Arg(0)

	// The CLI writes its own service log instead of rotating the API's
	config.Logging.Service = "bundle"
	config.Logging.Output = []string{"stdout"}

	application, err := app.New(config, common.GetVersion())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open application state: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer application.Close(ctx)

	job, err := application.Store.Get(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load job %s: %v\n", jobID, err)
		os.Exit(1)
	}

	path := *output
	if path == "" {
		path = jobID + "-bundle.zip"
	}

	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", path, err)
		os.Exit(1)
	}

	if err := application.BundleWriter.Write(job, f); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "failed to write bundle: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to finalize %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("bundle written to %s\n", path)

	entries, err := application.Bus.History(jobID, 0)
	if err == nil {
		if first := bundle.FirstError(entries); first != nil {
			fmt.Printf("probable cause: [%s] %s", first.Event, first.Message)
			if first.Error != "" {
				fmt.Printf(" (%s)", first.Error)
			}
			fmt.Println()
		}
	}
}
