package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opd-ai/peertransport/diagnostics"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <file.rec>",
	Short: "Print a diagnostics recording",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rows, counts, readErr := replayTable(f)
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	summary := make([]string, 0, len(counts))
	for kind := diagnostics.KindTopology; kind <= diagnostics.KindSendFailure; kind++ {
		summary = append(summary, fmt.Sprintf("%s: %d", kind, counts[kind]))
	}
	pterm.Info.Println(strings.Join(summary, " | "))

	if readErr != nil {
		return fmt.Errorf("recording truncated after %d records: %w", len(rows)-1, readErr)
	}
	return nil
}

// replayTable decodes r into table rows. Records read before an error are
// still returned.
func replayTable(r io.Reader) (pterm.TableData, map[diagnostics.Kind]int, error) {
	rows := pterm.TableData{{"Time", "Event", "Peer", "Size", "Detail"}}
	counts := make(map[diagnostics.Kind]int)

	rr := diagnostics.NewRecordReader(r)
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return rows, counts, nil
		}
		if err != nil {
			return rows, counts, err
		}
		counts[rec.Kind]++
		rows = append(rows, recordRow(rec))
	}
}

func recordRow(rec *diagnostics.Record) []string {
	ts := fmt.Sprintf("%.3fs", rec.Timestamp.Seconds())
	if rec.Kind == diagnostics.KindTopology {
		peers := make([]string, 0, len(rec.Peers))
		for _, p := range rec.Peers {
			mode := "relayed"
			if p.Direct {
				mode = "direct"
			}
			peers = append(peers, fmt.Sprintf("%s %s (%s)", p.Handle, p.Name, mode))
		}
		return []string{ts, rec.Kind.String(), "", strconv.Itoa(len(rec.Peers)), strings.Join(peers, ", ")}
	}
	return []string{ts, rec.Kind.String(), rec.Peer.String(), strconv.Itoa(len(rec.Data)), preview(rec.Data)}
}

// preview shows up to 16 bytes of payload as hex.
func preview(data []byte) string {
	const limit = 16
	if len(data) <= limit {
		return fmt.Sprintf("% x", data)
	}
	return fmt.Sprintf("% x ...", data[:limit])
}
