package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"lanphone/models"
)

var (
	headerColor  = color.New(color.FgHiWhite, color.Bold)
	nameColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.FgHiBlack)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	failureColor = color.New(color.FgRed)
)

func printPeers(w io.Writer, peers []models.NodeRecord, now time.Time) {
	if len(peers) == 0 {
		dimColor.Fprintln(w, "No peers found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headerColor.Fprintln(tw, "NAME\tADDRESS\tSIGNAL PORT\tSOURCE\tSEEN")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s ago\n",
			nameColor.Sprint(p.DisplayName),
			p.ID,
			p.SignalPort,
			p.Source,
			p.Age(now).Round(time.Second),
		)
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, calls []models.CallRecord) {
	if len(calls) == 0 {
		dimColor.Fprintln(w, "No calls yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headerColor.Fprintln(tw, "STARTED\tDIRECTION\tPEER\tOUTCOME\tDURATION")
	for _, c := range calls {
		peer := string(c.PeerID)
		if c.PeerName != "" {
			peer = fmt.Sprintf("%s (%s)", c.PeerName, c.PeerID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.StartedAt.Local().Format(time.DateTime),
			c.Direction,
			peer,
			outcomeColor(c.Outcome).Sprint(outcomeLabel(c.Outcome)),
			c.Duration().Round(time.Second),
		)
	}
	_ = tw.Flush()
}

func outcomeLabel(outcome string) string {
	if outcome == "" {
		return "in progress"
	}
	return outcome
}

func outcomeColor(outcome string) *color.Color {
	switch outcome {
	case models.CallCompleted:
		return okColor
	case models.CallMissed, models.CallCanceled, "":
		return warnColor
	default:
		return failureColor
	}
}
