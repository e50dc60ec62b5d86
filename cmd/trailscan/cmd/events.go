package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/psantana5/trailscan/pkg/progress"
)

// serverEvent is one decoded text/event-stream frame
type serverEvent struct {
	Name string
	Data json.RawMessage
}

// readEvents parses an event stream, calling fn for every complete frame.
// It stops when fn returns false, the stream ends, or reading fails.
func readEvents(r io.Reader, fn func(serverEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		name string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				if !fn(serverEvent{Name: name, Data: json.RawMessage(data.String())}) {
					return nil
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// watchEvents follows an event stream until a terminal event or Ctrl+C
func watchEvents(path string, show func(progress.Event, json.RawMessage)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream lives as long as the job or batch
	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to trailscan API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var terminal bool
	err = readEvents(resp.Body, func(se serverEvent) bool {
		var envelope struct {
			progress.Event
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(se.Data, &envelope); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: undecodable event %q: %v\n", se.Name, err)
			return true
		}
		show(envelope.Event, envelope.Data)
		terminal = envelope.Kind.IsTerminal()
		return !terminal
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	if !terminal {
		return fmt.Errorf("event stream closed before a terminal event")
	}
	return nil
}
