package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// sseEventView mirrors admin's sseEvent JSON shape.
type sseEventView struct {
	Type        string    `json:"type"`
	Weights     []float64 `json:"weights,omitempty"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
	Health      []string  `json:"health,omitempty"`
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream dispatcher weight-change and health events",
		Long:  "Connects to the ristbond daemon and streams events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/events", nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("connect event stream: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: events: status %d", errAdminRequestFailed, resp.StatusCode)
			}

			return streamEvents(ctx, resp.Body)
		},
	}
}

// streamEvents reads an SSE body line by line, decoding each "data: ..."
// line as an event and printing it, until ctx is cancelled or the stream
// ends.
func streamEvents(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var ev sseEventView
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		out, err := formatEvent(ev, outputFormat)
		if err != nil {
			return fmt.Errorf("format event: %w", err)
		}
		fmt.Println(out)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
