package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatLinks renders a link list response in the requested format.
func formatLinks(resp linksResponseView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONIndent(resp)
	case formatTable:
		return formatLinksTable(resp), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatWeights renders a weights response in the requested format.
func formatWeights(resp weightsResponseView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONIndent(resp)
	case formatTable:
		return formatWeightsTable(resp), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatBitrate renders a bitrate response in the requested format.
func formatBitrate(resp bitrateResponseView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONIndent(resp)
	case formatTable:
		return fmt.Sprintf("bitrate: %d kbps\n", resp.Kbps), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a single stream event in the requested format.
func formatEvent(ev sseEventView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONIndent(ev)
	case formatTable:
		return formatEventTable(ev), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func formatLinksTable(resp linksResponseView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tWEIGHT\tDELIVERED-PPS\tRTX-RATE\tRTT-MS\tHEALTH")

	for _, l := range resp.Links {
		fmt.Fprintf(w, "%d\t%.4f\t%.2f\t%.4f\t%.2f\t%s\n",
			l.Index, l.Weight, l.EWMADeliveredPPS, l.EWMARtxRate, l.EWMARttMillis, l.Health)
	}
	fmt.Fprintf(w, "\ncommitted_at: %s\nforwarded: %d\ndropped: %d\n",
		resp.CommittedAt.Format(time.RFC3339), resp.PacketsForward, resp.PacketsDropped)

	_ = w.Flush()
	return buf.String()
}

func formatWeightsTable(resp weightsResponseView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tWEIGHT")
	for i, wt := range resp.Weights {
		fmt.Fprintf(w, "%d\t%.4f\n", i, wt)
	}
	_ = w.Flush()
	return buf.String()
}

func formatEventTable(ev sseEventView) string {
	switch ev.Type {
	case "weights_changed":
		return fmt.Sprintf("[%s] weights_changed  weights=%v",
			ev.CommittedAt.Format(time.RFC3339), ev.Weights)
	case "health_changed":
		return fmt.Sprintf("[%s] health_changed  health=%v", time.Now().Format(time.RFC3339), ev.Health)
	default:
		return fmt.Sprintf("%s event", ev.Type)
	}
}
