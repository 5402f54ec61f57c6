package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type exportView struct {
	ID              string         `json:"id"`
	ReportType      string         `json:"report_type"`
	Format          string         `json:"format"`
	Filters         map[string]any `json:"filters"`
	Status          string         `json:"status"`
	TotalRows       *int64         `json:"total_rows"`
	ProcessedRows   int64          `json:"processed_rows"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentSection  string         `json:"current_section,omitempty"`
	RetryCount      int            `json:"retry_count"`
	Error           *string        `json:"error,omitempty"`
	Cancelled       bool           `json:"cancelled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Download        *downloadView  `json:"download,omitempty"`
}

type downloadView struct {
	URL       string    `json:"url,omitempty"`
	FileName  string    `json:"file_name"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeBytes int64     `json:"size_bytes"`
	SizeHuman string    `json:"size_human,omitempty"`
	PageCount *int      `json:"page_count,omitempty"`
	Expired   bool      `json:"expired"`
}

func (e *exportView) terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

func (e *exportView) detail() map[string]any {
	fields := map[string]any{
		"id":          e.ID,
		"report_type": e.ReportType,
		"format":      e.Format,
		"status":      e.Status,
		"progress":    fmt.Sprintf("%d%%", e.ProgressPercent),
		"processed":   humanize.Comma(e.ProcessedRows),
		"retries":     e.RetryCount,
		"created":     humanize.Time(e.CreatedAt),
	}
	if e.TotalRows != nil {
		fields["total"] = humanize.Comma(*e.TotalRows)
	}
	if e.CurrentSection != "" {
		fields["section"] = e.CurrentSection
	}
	if e.Error != nil {
		fields["error"] = *e.Error
	}
	if e.Cancelled {
		fields["cancelled"] = true
	}
	if len(e.Filters) > 0 {
		fields["filters"] = e.Filters
	}
	if d := e.Download; d != nil {
		fields["file"] = d.FileName
		fields["size"] = humanize.Bytes(uint64(max(d.SizeBytes, 0)))
		fields["expires"] = humanize.Time(d.ExpiresAt)
		if d.URL != "" {
			fields["download_url"] = d.URL
		}
		if d.PageCount != nil {
			fields["pages"] = *d.PageCount
		}
		if d.Expired {
			fields["expired"] = true
		}
	}
	return fields
}

func printExport(cmd *cobra.Command, e *exportView) error {
	out := cmd.OutOrStdout()
	switch {
	case getOutputFormat(cmd) == "json":
		return PrintJSON(out, e)
	case isQuiet(cmd):
		_, _ = fmt.Fprintln(out, e.ID)
	default:
		PrintDetail(out, e.detail())
	}
	return nil
}

func newExportsCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exports",
		Aliases: []string{"export"},
		Short:   "Submit and manage report exports",
	}

	cmd.AddCommand(newSubmitCmd(client))
	cmd.AddCommand(newGetCmd(client))
	cmd.AddCommand(newListCmd(client))
	cmd.AddCommand(newTransitionCmd(client, "cancel", "Cancel a queued or running export"))
	cmd.AddCommand(newTransitionCmd(client, "retry", "Requeue a failed export"))
	cmd.AddCommand(newDeleteCmd(client))

	return cmd
}

// reportFlags are shared by submit and preview.
type reportFlags struct {
	reportType  string
	filters     []string
	filtersJSON string
}

func (f *reportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.reportType, "type", "t", "", "Report type (detail, summary, top-n, exceptions, per-entity)")
	cmd.Flags().StringArrayVarP(&f.filters, "filter", "f", nil, "Filter as key=value; repeatable. JSON values are decoded")
	cmd.Flags().StringVar(&f.filtersJSON, "filters-json", "", "Filters as a JSON object, merged before --filter values")
	_ = cmd.MarkFlagRequired("type")
}

// parseFilters merges a JSON object with key=value pairs. Values that parse
// as JSON (numbers, booleans, arrays) keep their type; anything else is a string.
func parseFilters(pairs []string, rawJSON string) (map[string]any, error) {
	filters := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &filters); err != nil {
			return nil, fmt.Errorf("invalid --filters-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --filter %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			filters[key] = decoded
		} else {
			filters[key] = value
		}
	}
	return filters, nil
}

func newSubmitCmd(client *Client) *cobra.Command {
	var (
		rf     reportFlags
		format string
		wait   bool
		every  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new export",
		Example: `  report-export exports submit --type detail --format xlsx -f start_date=2024-01-01 -f end_date=2024-03-31
  report-export exports submit --type per-entity --format pdf --filters-json '{"entity_ids":[1,2,3]}' --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := parseFilters(rf.filters, rf.filtersJSON)
			if err != nil {
				return err
			}
			body := map[string]any{
				"report_type": rf.reportType,
				"format":      format,
				"filters":     filters,
			}
			resp, err := client.Do(cmd.Context(), http.MethodPost, "/exports", nil, body)
			if err != nil {
				return err
			}
			var e exportView
			if err := decodeJSON(resp, &e); err != nil {
				return err
			}
			if wait {
				final, err := watchExport(cmd.Context(), client, cmd.ErrOrStderr(), e.ID, every)
				if err != nil {
					return err
				}
				e = *final
			}
			return printExport(cmd, &e)
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&format, "format", "xlsx", "Output format (xlsx, pdf)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the export to finish")
	cmd.Flags().DurationVar(&every, "interval", 2*time.Second, "Polling interval for --wait")

	return cmd
}

func getExport(ctx context.Context, client *Client, id string) (*exportView, error) {
	resp, err := client.Do(ctx, http.MethodGet, "/exports/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	var e exportView
	if err := decodeJSON(resp, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// watchExport polls until the export reaches a terminal state. Progress goes
// to w, redrawn in place when w is a terminal.
func watchExport(ctx context.Context, client *Client, w io.Writer, id string, every time.Duration) (*exportView, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	tty := isTerminal(w)
	last := ""
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		e, err := getExport(ctx, client, id)
		if err != nil {
			return nil, err
		}
		line := fmt.Sprintf("%s %3d%% %s", e.Status, e.ProgressPercent, e.CurrentSection)
		if line != last {
			if tty {
				_, _ = fmt.Fprintf(w, "\r\033[K%s", line)
			} else {
				_, _ = fmt.Fprintln(w, line)
			}
			last = line
		}
		if e.terminal() {
			if tty {
				_, _ = fmt.Fprintln(w)
			}
			return e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newGetCmd(client *Client) *cobra.Command {
	var (
		watch bool
		every time.Duration
	)

	cmd := &cobra.Command{
		Use:     "get <id>",
		Aliases: []string{"status"},
		Short:   "Show export status and progress",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				e   *exportView
				err error
			)
			if watch {
				e, err = watchExport(cmd.Context(), client, cmd.ErrOrStderr(), args[0], every)
			} else {
				e, err = getExport(cmd.Context(), client, args[0])
			}
			if err != nil {
				return err
			}
			return printExport(cmd, e)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the export finishes")
	cmd.Flags().DurationVar(&every, "interval", 2*time.Second, "Polling interval for --watch")

	return cmd
}

func newListCmd(client *Client) *cobra.Command {
	var (
		maxResults int
		pageToken  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your exports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if maxResults > 0 {
				q.Set("max_results", strconv.Itoa(maxResults))
			}
			if pageToken != "" {
				q.Set("page_token", pageToken)
			}
			resp, err := client.Do(cmd.Context(), http.MethodGet, "/exports", q, nil)
			if err != nil {
				return err
			}
			var page struct {
				Exports       []exportView `json:"exports"`
				NextPageToken string       `json:"next_page_token,omitempty"`
			}
			if err := decodeJSON(resp, &page); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(out, page)
			}
			if isQuiet(cmd) {
				for _, e := range page.Exports {
					_, _ = fmt.Fprintln(out, e.ID)
				}
				return nil
			}
			rows := make([][]string, 0, len(page.Exports))
			for _, e := range page.Exports {
				rows = append(rows, []string{
					e.ID, e.ReportType, e.Format, e.Status,
					fmt.Sprintf("%d%%", e.ProgressPercent),
					humanize.Time(e.CreatedAt),
				})
			}
			PrintTable(out, []string{"id", "type", "format", "status", "progress", "created"}, rows)
			if page.NextPageToken != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "\nNext page: --page-token %s\n", page.NextPageToken)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum number of exports to return")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")

	return cmd
}

func newTransitionCmd(client *Client, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(cmd.Context(), http.MethodPost, "/exports/"+url.PathEscape(args[0])+"/"+action, nil, nil)
			if err != nil {
				return err
			}
			var e exportView
			if err := decodeJSON(resp, &e); err != nil {
				return err
			}
			return printExport(cmd, &e)
		},
	}
}

func newDeleteCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a finished export and its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(cmd.Context(), http.MethodDelete, "/exports/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			if err := CheckError(resp); err != nil {
				return err
			}
			_ = resp.Body.Close()

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(out, map[string]string{"status": "deleted", "id": args[0]})
			}
			_, _ = fmt.Fprintf(out, "Deleted export %s\n", args[0])
			return nil
		},
	}
}

func newDownloadCmd(client *Client) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the artifact of a completed export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := getExport(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			if e.Download == nil || e.Download.URL == "" {
				if e.Download != nil && e.Download.Expired {
					return fmt.Errorf("export %s has expired", e.ID)
				}
				return fmt.Errorf("export %s is %s, no download available", e.ID, e.Status)
			}

			resp, err := client.Fetch(cmd.Context(), e.Download.URL)
			if err != nil {
				return err
			}
			if err := CheckError(resp); err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			path := outPath
			if path == "" {
				path = filepath.Base(e.Download.FileName)
			}
			n, err := writeFile(path, resp.Body)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(out, map[string]any{"id": e.ID, "path": path, "bytes": n})
			}
			_, _ = fmt.Fprintf(out, "Saved %s (%s)\n", path, humanize.Bytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output-file", "O", "", "Destination path (default: server file name)")

	return cmd
}

// writeFile streams r into path through a temp file in the same directory.
func writeFile(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename to %s: %w", path, err)
	}
	return n, nil
}

func newPreviewCmd(client *Client) *cobra.Command {
	var rf reportFlags

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the first rows of a report without exporting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := parseFilters(rf.filters, rf.filtersJSON)
			if err != nil {
				return err
			}
			body := map[string]any{
				"report_type": rf.reportType,
				"format":      "xlsx",
				"filters":     filters,
			}
			resp, err := client.Do(cmd.Context(), http.MethodPost, "/reports/preview", nil, body)
			if err != nil {
				return err
			}
			var p struct {
				Title   string `json:"title"`
				Columns []struct {
					Key    string `json:"key"`
					Header string `json:"header"`
					Kind   string `json:"kind"`
				} `json:"columns"`
				Rows        [][]string `json:"rows"`
				Total       int64      `json:"total"`
				QueryTimeMS int64      `json:"query_time_ms"`
			}
			if err := decodeJSON(resp, &p); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(out, p)
			}
			headers := make([]string, len(p.Columns))
			for i, c := range p.Columns {
				headers[i] = c.Header
			}
			_, _ = fmt.Fprintf(out, "%s\n\n", p.Title)
			PrintTable(out, headers, p.Rows)
			_, _ = fmt.Fprintf(out, "\n%d of %s rows (%dms)\n", len(p.Rows), humanize.Comma(p.Total), p.QueryTimeMS)
			return nil
		},
	}

	rf.register(cmd)

	return cmd
}
