// Package dashboard renders a terminal view of a running monitor.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/rickgao/kitchen-stream/internal/connection"
	"github.com/rickgao/kitchen-stream/internal/monitor"
)

// RefreshInterval is how often the dashboard polls the monitor.
const RefreshInterval = time.Second

const maxErrorWidth = 40

// Header is the first table row.
var Header = []string{"ID", "STATUS", "ATTEMPTS", "MESSAGES", "RECONNECTS", "DUPES", "IDLE", "LAST ERROR"}

// Client reads pool state from a monitor.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the monitor at addr (host:port or URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

// Connections fetches every connection.
func (c *Client) Connections(ctx context.Context) ([]connection.ConnectionInfo, error) {
	var out []connection.ConnectionInfo
	if err := c.get(ctx, "/connections", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health fetches the health summary. A 503 still carries a body.
func (c *Client) Health(ctx context.Context) (monitor.HealthResponse, error) {
	var out monitor.HealthResponse
	err := c.get(ctx, "/health", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("get %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Rows formats connections as table rows, header first.
func Rows(infos []connection.ConnectionInfo, now time.Time) [][]string {
	rows := make([][]string, 0, len(infos)+1)
	rows = append(rows, Header)

	for _, info := range infos {
		idle := "-"
		if !info.LastActivity.IsZero() {
			idle = now.Sub(info.LastActivity).Truncate(time.Second).String()
		}
		status := string(info.Status)
		if info.Paused {
			status += " (offline)"
		}

		rows = append(rows, []string{
			info.ID,
			status,
			fmt.Sprint(info.ReconnectAttempts),
			fmt.Sprint(info.Stats.MessagesReceived),
			fmt.Sprint(info.Stats.ReconnectCount),
			fmt.Sprint(info.Stats.Duplicates),
			idle,
			truncate(info.Stats.LastError, maxErrorWidth),
		})
	}
	return rows
}

// Summary formats the health line shown above the table.
func Summary(h monitor.HealthResponse) string {
	s := fmt.Sprintf("status: %s | connections: %d | active: %d | failed: %d | messages: %d | reconnects: %d | uptime: %s",
		h.Status,
		h.Stats.TotalConnections,
		h.Stats.ActiveConnections,
		h.Stats.FailedConnections,
		h.Stats.TotalMessagesReceived,
		h.Stats.TotalReconnects,
		h.Stats.Uptime.Truncate(time.Second),
	)
	if h.Database != "" {
		s += " | database: " + h.Database
	}
	return s
}

func statusColor(s string) ui.Color {
	switch connection.Status(strings.TrimSuffix(s, " (offline)")) {
	case connection.StatusConnected:
		return ui.ColorGreen
	case connection.StatusConnecting, connection.StatusReconnecting:
		return ui.ColorYellow
	case connection.StatusError:
		return ui.ColorRed
	default:
		return ui.ColorWhite
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run draws the dashboard until ctx ends or the user presses q.
func Run(ctx context.Context, client *Client) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer ui.Close()

	summary := widgets.NewParagraph()
	summary.Title = "kitchenstream"
	summary.Border = true

	table := widgets.NewTable()
	table.Title = "connections"
	table.RowSeparator = false
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowStyles = map[int]ui.Style{}

	layout := func() {
		w, h := ui.TerminalDimensions()
		summary.SetRect(0, 0, w, 3)
		table.SetRect(0, 3, w, h)
	}
	layout()

	refresh := func() {
		reqCtx, cancel := context.WithTimeout(ctx, RefreshInterval)
		defer cancel()

		health, err := client.Health(reqCtx)
		if err != nil {
			summary.Text = err.Error()
			summary.TextStyle = ui.NewStyle(ui.ColorRed)
		} else {
			summary.Text = Summary(health)
			summary.TextStyle = ui.NewStyle(ui.ColorWhite)
		}

		infos, err := client.Connections(reqCtx)
		if err == nil {
			table.Rows = Rows(infos, time.Now())
			table.RowStyles = map[int]ui.Style{0: ui.NewStyle(ui.ColorCyan, ui.ColorClear, ui.ModifierBold)}
			for i := 1; i < len(table.Rows); i++ {
				table.RowStyles[i] = ui.NewStyle(statusColor(table.Rows[i][1]))
			}
		}

		ui.Render(summary, table)
	}
	refresh()

	events := ui.PollEvents()
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				layout()
				ui.Clear()
				ui.Render(summary, table)
			}
		case <-ticker.C:
			refresh()
		}
	}
}
