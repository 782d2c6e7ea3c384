package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"chamberkeep.ai/internal/persistence/registry"
)

func openStore(path string) *registry.Store {
	if strings.TrimSpace(path) == "" {
		fmt.Fprintln(os.Stderr, "missing -db")
		os.Exit(2)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	s, err := registry.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return s
}

func regionsCmd(args []string) {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	dbPath := fs.String("db", "./data/registry.db", "registry sqlite path")
	_ = fs.Parse(args)

	s := openStore(*dbPath)
	defer s.Close()
	regions, err := s.Regions(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range regions {
		last := "never"
		if r.LastReset != nil {
			last = r.LastReset.Format(time.RFC3339)
		}
		fmt.Printf("%-20s space=%s min=%s max=%s every=%s last=%s next=%s snapshot=%q\n",
			r.Name, r.Space, r.Min, r.Max, r.Interval, last, r.NextDue().Format(time.RFC3339), r.SnapshotPath)
	}
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", "./data/registry.db", "registry sqlite path")
	region := fs.String("region", "", "region filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	s := openStore(*dbPath)
	defer s.Close()
	recs, err := s.History(context.Background(), strings.TrimSpace(*region), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s %-20s %-9s took=%s evicted=%d/%d cleared=%d cells=%d written=%d skipped=%d errors=%d",
			r.FinishedAt.Format(time.RFC3339), r.Region, r.Outcome, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Evicted, r.Occupants, r.Cleared, r.Cells, r.Written, r.Skipped, r.CellErrors)
		if r.Err != "" {
			line += " err=" + r.Err
		}
		fmt.Println(line)
	}
}
