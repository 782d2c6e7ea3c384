package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"chamberkeep.ai/internal/chamber"
	persistlog "chamberkeep.ai/internal/persistence/log"
	"chamberkeep.ai/internal/persistence/snapshot"
	"chamberkeep.ai/internal/sim/blocks"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "snapshot":
		snapshotCmd(args)
	case "regions":
		regionsCmd(args)
	case "history":
		historyCmd(args)
	case "audit":
		auditCmd(args)
	case "state":
		stateCmd(args)
	case "capture":
		postCmd("capture", args)
	case "reset":
		postCmd("reset", args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

offline:
  snapshot [-json] <path>           header and block histogram of a snapshot file
  regions  -db <path>               registered regions
  history  -db <path> [-region r]   recent reset cycles
  audit    -data <dir> [-region r]  audit records from the JSONL logs

online (loopback admin http):
  state   [-url u]                  region states
  capture [-url u] <region>         capture the current layout
  reset   [-url u] <region>         force a reset now`)
}

type kindCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type snapshotSummary struct {
	Header     snapshot.Header `json:"header"`
	Dropped    int             `json:"dropped,omitempty"`
	Kinds      []kindCount     `json:"kinds"`
	Structured int             `json:"structured"`
}

func summarize(h snapshot.Header, doc *snapshot.Document) snapshotSummary {
	counts := map[string]int{}
	structured := 0
	for _, c := range doc.Cells {
		counts[blocks.KindOf(c.Type)]++
		if len(c.Metadata) > 0 {
			structured++
		}
	}
	kinds := make([]kindCount, 0, len(counts))
	for k, n := range counts {
		kinds = append(kinds, kindCount{Type: k, Count: n})
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Count != kinds[j].Count {
			return kinds[i].Count > kinds[j].Count
		}
		return kinds[i].Type < kinds[j].Type
	})
	return snapshotSummary{Header: h, Dropped: doc.Dropped, Kinds: kinds, Structured: structured}
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print json")
	top := fs.Int("top", 20, "histogram rows (0 for all)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "missing snapshot path")
		os.Exit(2)
	}
	path := fs.Arg(0)

	h, err := snapshot.ReadHeader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(1)
	}
	doc, err := snapshot.ReadWith(path, snapshot.ReadOptions{
		Logf: func(format string, args ...any) { fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...) },
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	sum := summarize(h, doc)
	if *asJSON {
		b, _ := json.MarshalIndent(sum, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("world=%s region=%s version=%d\n", h.WorldID, h.Region, h.Version)
	fmt.Printf("origin=%d,%d,%d size=%d,%d,%d captured_at=%s\n",
		h.Origin[0], h.Origin[1], h.Origin[2], h.Size[0], h.Size[1], h.Size[2], h.CapturedAt)
	fmt.Printf("cells=%d structured=%d dropped=%d\n", len(doc.Cells), sum.Structured, sum.Dropped)
	for i, k := range sum.Kinds {
		if *top > 0 && i >= *top {
			fmt.Printf("  ... %d more\n", len(sum.Kinds)-i)
			break
		}
		fmt.Printf("  %8d  %s\n", k.Count, k.Type)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	region := fs.String("region", "", "region filter")
	cycleID := fs.String("cycle", "", "cycle id filter")
	_ = fs.Parse(args)

	r := strings.TrimSpace(*region)
	cid := strings.TrimSpace(*cycleID)
	entries, err := persistlog.ReadAudit(*dataDir, func(e chamber.AuditEntry) bool {
		return (r == "" || e.Region == r) && (cid == "" || e.CycleID == cid)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
}
