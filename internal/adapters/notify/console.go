package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/agenttime/agenttime/internal/domain"
)

// Console implements ports.Notifier, printing a per-run summary table.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyRun prints the run's decision outcomes and the account snapshot.
func (c *Console) NotifyRun(_ context.Context, packets []domain.DecisionPacket, portfolio domain.Portfolio) error {
	now := time.Now().Format("15:04:05")
	if len(packets) == 0 {
		fmt.Fprintf(c.out, "[%s] no cycles ran\n", now)
		return nil
	}

	traded, rejected, failed := tally(packets)
	fmt.Fprintf(c.out, "\n[%s] %d cycles: traded:%d rejected:%d failed:%d | cash $%.2f total $%.2f\n",
		now, len(packets), traded, rejected, failed, portfolio.Cash, portfolio.TotalValue())

	if c.table {
		c.printTable(packets)
	}
	c.printFlags(packets)
	return nil
}

func (c *Console) printTable(packets []domain.DecisionPacket) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Proposed", "Verdict", "Reason", "Final", "Outcome", "Edge", "State")

	for _, p := range packets {
		table.Append(
			compactName(p.Observation.Question, 32),
			p.Proposed.String(),
			string(p.Verdict.Kind),
			p.Verdict.Reason,
			p.Final.String(),
			string(p.Execution.Status),
			fmt.Sprintf("%.3f", p.Edge),
			string(p.State),
		)
	}
	table.Render()
}

// printFlags surfaces packets an operator must look at.
func (c *Console) printFlags(packets []domain.DecisionPacket) {
	for _, p := range packets {
		switch {
		case p.Execution.ExecutedUnaudited:
			fmt.Fprintf(c.out, "  !! EXECUTED-UNAUDITED %s: trade confirmed, audit write failed\n", p.CycleID)
		case p.Execution.NeedsReconciliation:
			fmt.Fprintf(c.out, "  !! UNKNOWN OUTCOME %s: reconcile against venue history\n", p.CycleID)
		}
	}
}

func tally(packets []domain.DecisionPacket) (traded, rejected, failed int) {
	for _, p := range packets {
		switch {
		case p.State == domain.StateFailed:
			failed++
		case p.Traded():
			traded++
		case p.Verdict.Kind == domain.VerdictReject:
			rejected++
		}
	}
	return traded, rejected, failed
}

func compactName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
