// Command fedctl inspects a running relay.
//
// # Commands
//
// status: List every round with its submissions, aggregates and results.
//
//	fedctl status --relay=http://localhost:8080
//
// round: Show everything stored for one round.
//
//	fedctl round --relay=http://localhost:8080 --round=3
//
// monitor: Follow a round's aggregation until it settles.
//
//	fedctl monitor --relay=http://localhost:8080 --round=3
//	fedctl monitor --relay=http://localhost:8080 --round=3 --format=json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/flashbots/fedrelay/cmd/common"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/services"
	"github.com/markkurossi/tabulate"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = runStatus(args)
	case "round":
		err = runRound(args)
	case "monitor":
		err = runMonitor(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		common.Fatal("%v", err)
	}
}

func printUsage() {
	fmt.Println(`fedctl - inspect a federation relay

Usage:
  fedctl <command> [options]

Commands:
  status    List rounds
  round     Show one round
  monitor   Follow a round's aggregation

Run 'fedctl <command> --help' for command-specific options.`)
}

func relayFlag(fs *flag.FlagSet) *string {
	return fs.String("relay", "http://localhost:8080", "Relay URL")
}

// --- status ---

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	relayURL := relayFlag(fs)
	fs.Parse(args)

	ctx, stop := common.SignalContext()
	defer stop()
	relay := services.NewRelayClient(*relayURL, nil)

	clients, err := relay.Clients(ctx)
	if err != nil {
		return fmt.Errorf("fetch clients: %w", err)
	}
	rounds, err := relay.Rounds(ctx)
	if err != nil {
		return fmt.Errorf("fetch rounds: %w", err)
	}

	fmt.Printf("Relay:   %s\n", relay.BaseURL())
	fmt.Printf("Clients: %s\n\n", joinIDs(clients))
	if len(rounds) == 0 {
		fmt.Println("No rounds yet")
		return nil
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Round").SetAlign(tabulate.MR)
	tab.Header("Submitted").SetAlign(tabulate.ML)
	tab.Header("Aggregation").SetAlign(tabulate.ML)
	tab.Header("Results").SetAlign(tabulate.MR)
	tab.Header("Mean acc").SetAlign(tabulate.MR)
	tab.Header("Version").SetAlign(tabulate.MR)

	for _, round := range rounds {
		snap, err := relay.Snapshot(ctx, round)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		row := tab.Row()
		row.Column(fmt.Sprintf("%d", round))
		row.Column(joinIDs(sortedKeys(snap.Submissions)))
		row.Column(aggregationState(snap))
		row.Column(fmt.Sprintf("%d", len(snap.Results)))

		mean := "-"
		if len(snap.Results) > 0 {
			if sum, err := relay.ResultsSummary(ctx, round); err == nil {
				mean = fmt.Sprintf("%.4f", sum.Mean)
			}
		}
		row.Column(mean)
		row.Column(fmt.Sprintf("%d", snap.Version))
	}
	tab.Print(os.Stdout)
	return nil
}

func aggregationState(snap *protocol.RoundSnapshot) string {
	if snap.Report != nil {
		return string(snap.Report.State)
	}
	if len(snap.Aggregates) > 0 {
		return string(protocol.StateAggregated)
	}
	return "-"
}

// --- round ---

func runRound(args []string) error {
	fs := flag.NewFlagSet("round", flag.ExitOnError)
	relayURL := relayFlag(fs)
	roundN := fs.Uint64("round", 0, "Round number")
	format := fs.String("format", "text", "Output format: text, json")
	fs.Parse(args)

	if *roundN == 0 {
		return fmt.Errorf("--round is required")
	}
	ctx, stop := common.SignalContext()
	defer stop()
	relay := services.NewRelayClient(*relayURL, nil)

	snap, err := relay.Snapshot(ctx, protocol.Round(*roundN))
	if err != nil {
		return err
	}
	if *format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(os.Stdout, snap)
	return nil
}

func printSnapshot(out io.Writer, snap *protocol.RoundSnapshot) {
	fmt.Fprintf(out, "=== Round %d (version %d) ===\n", snap.Round, snap.Version)
	if snap.Input != nil {
		fmt.Fprintf(out, "Input: model=%s version=%s (%d bytes)\n", snap.Input.Model, snap.Input.Version, len(snap.Input.Payload))
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Client").SetAlign(tabulate.ML)
	tab.Header("Params").SetAlign(tabulate.ML)
	tab.Header("Chunks").SetAlign(tabulate.MR)
	tab.Header("Aggregate").SetAlign(tabulate.ML)
	tab.Header("Accuracy").SetAlign(tabulate.MR)
	tab.Header("Model").SetAlign(tabulate.ML)

	ids := sortedKeys(snap.Submissions)
	for _, id := range sortedKeys(snap.Aggregates) {
		if _, ok := snap.Submissions[id]; !ok {
			ids = append(ids, id)
		}
	}
	for _, id := range sortedKeys(snap.Results) {
		if _, ok := snap.Submissions[id]; ok {
			continue
		}
		if _, ok := snap.Aggregates[id]; ok {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		row := tab.Row()
		row.Column(string(id))
		if sub, ok := snap.Submissions[id]; ok {
			row.Column(blobLabel(sub.Params))
			row.Column(fmt.Sprintf("%d", sub.Layout.Total()))
		} else {
			row.Column("-")
			row.Column("-")
		}
		if agg, ok := snap.Aggregates[id]; ok {
			row.Column(blobLabel(agg.Params))
		} else {
			row.Column("-")
		}
		if res, ok := snap.Results[id]; ok {
			row.Column(fmt.Sprintf("%.4f", res.Accuracy))
			row.Column(res.Model)
		} else {
			row.Column("-")
			row.Column("-")
		}
	}
	tab.Print(out)

	if snap.Report != nil {
		printReport(out, snap.Report)
	}
}

func blobLabel(ref protocol.BlobRef) string {
	digest := ref.SHA3
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return fmt.Sprintf("%s (%d B)", digest, ref.Size)
}

func printReport(out io.Writer, report *protocol.AggregationReport) {
	fmt.Fprintf(out, "Aggregation %s: %s", report.ID, report.State)
	if report.Recompute {
		fmt.Fprint(out, " (recompute)")
	}
	fmt.Fprintln(out)
	if report.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", report.Error)
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("State").SetAlign(tabulate.ML)
	tab.Header("At").SetAlign(tabulate.ML)
	tab.Header("+").SetAlign(tabulate.MR)
	for _, tr := range report.Transitions {
		row := tab.Row()
		col := row.Column(string(tr.State))
		if tr.State.Terminal() {
			col.SetFormat(tabulate.FmtBold)
		}
		row.Column(tr.At.Format(time.RFC3339))
		row.Column(tr.At.Sub(report.StartedAt).Round(time.Millisecond).String())
	}
	tab.Print(out)
}

// --- monitor ---

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	relayURL := relayFlag(fs)
	roundN := fs.Uint64("round", 0, "Round number")
	format := fs.String("format", "text", "Output format: text, json")
	fs.Parse(args)

	if *roundN == 0 {
		return fmt.Errorf("--round is required")
	}
	ctx, stop := common.SignalContext()
	defer stop()

	err := monitorRound(ctx, services.NewRelayClient(*relayURL, nil), protocol.Round(*roundN), *format, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// monitorRound prints each new aggregation state of round as the relay
// reports it, returning once the state is terminal.
func monitorRound(ctx context.Context, relay *services.RelayClient, round protocol.Round, format string, out io.Writer) error {
	fmt.Fprintf(os.Stderr, "Monitoring round %d (Ctrl+C to stop)...\n", round)

	var (
		since   uint64
		printed int
		lastID  string
	)
	for {
		report, err := relay.Report(ctx, round)
		switch {
		case errors.Is(err, protocol.ErrNotFound):
		case err != nil:
			return err
		default:
			if report.ID != lastID {
				lastID, printed = report.ID, 0
			}
			for ; printed < len(report.Transitions); printed++ {
				if err := printTransition(out, format, report, report.Transitions[printed]); err != nil {
					return err
				}
			}
			if report.State.Terminal() {
				if report.Error != "" {
					fmt.Fprintf(out, "error: %s\n", report.Error)
				}
				return nil
			}
		}

		if since, err = relay.WaitChange(ctx, round, since); err != nil {
			return err
		}
	}
}

type transitionOutput struct {
	Round    protocol.Round            `json:"round"`
	ReportID string                    `json:"report_id"`
	State    protocol.AggregationState `json:"state"`
	At       time.Time                 `json:"at"`
}

func printTransition(out io.Writer, format string, report *protocol.AggregationReport, tr protocol.Transition) error {
	if format == "json" {
		return json.NewEncoder(out).Encode(transitionOutput{
			Round:    report.Round,
			ReportID: report.ID,
			State:    tr.State,
			At:       tr.At,
		})
	}
	_, err := fmt.Fprintf(out, "[%s] round %d %-16s +%s\n",
		tr.At.Format(time.TimeOnly), report.Round, tr.State, tr.At.Sub(report.StartedAt).Round(time.Millisecond))
	return err
}

func sortedKeys[V any](m map[protocol.ClientID]V) []protocol.ClientID {
	ids := make([]protocol.ClientID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func joinIDs(ids []protocol.ClientID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
