package api

import (
	"time"

	"report-export/internal/domain"
	"report-export/internal/service/export"
)

type exportJSON struct {
	ID              string         `json:"id"`
	ReportType      string         `json:"report_type"`
	Format          string         `json:"format"`
	Filters         domain.Filters `json:"filters"`
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
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	Download        *downloadJSON  `json:"download,omitempty"`
}

type downloadJSON struct {
	URL       string    `json:"url,omitempty"`
	FileName  string    `json:"file_name"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeBytes int64     `json:"size_bytes"`
	SizeHuman string    `json:"size_human,omitempty"`
	PageCount *int      `json:"page_count,omitempty"`
	Expired   bool      `json:"expired"`
}

type listJSON struct {
	Exports       []exportJSON `json:"exports"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

type columnJSON struct {
	Key    string `json:"key"`
	Header string `json:"header"`
	Kind   string `json:"kind"`
}

type previewJSON struct {
	Title       string       `json:"title"`
	Columns     []columnJSON `json:"columns"`
	Rows        [][]string   `json:"rows"`
	Total       int64        `json:"total"`
	QueryTimeMS int64        `json:"query_time_ms"`
}

func exportToAPI(j *domain.ReportJob) exportJSON {
	filters := j.Filters
	if filters == nil {
		filters = domain.Filters{}
	}
	return exportJSON{
		ID:              j.ID,
		ReportType:      string(j.ReportType),
		Format:          string(j.Format),
		Filters:         filters,
		Status:          string(j.Status),
		TotalRows:       j.TotalRows,
		ProcessedRows:   j.ProcessedRows,
		ProgressPercent: j.ProgressPercent,
		CurrentSection:  j.CurrentSection,
		RetryCount:      j.RetryCount,
		Error:           j.LastError,
		Cancelled:       j.Cancelled,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		ExpiresAt:       j.ExpiresAt,
	}
}

func statusToAPI(st *domain.ExportStatus) exportJSON {
	out := exportToAPI(st.Job)
	if d := st.Download; d != nil {
		out.Download = &downloadJSON{
			URL:       d.URL,
			FileName:  d.FileName,
			ExpiresAt: d.ExpiresAt,
			SizeBytes: d.SizeBytes,
			SizeHuman: d.SizeHuman,
			PageCount: d.PageCount,
			Expired:   d.Expired,
		}
	}
	return out
}

func previewToAPI(p *export.Preview) previewJSON {
	cols := make([]columnJSON, len(p.Columns))
	for i, c := range p.Columns {
		cols[i] = columnJSON{Key: c.Key, Header: c.Header, Kind: string(c.Kind)}
	}
	rows := p.Rows
	if rows == nil {
		rows = [][]string{}
	}
	return previewJSON{
		Title:       p.Title,
		Columns:     cols,
		Rows:        rows,
		Total:       p.Total,
		QueryTimeMS: p.QueryTime.Milliseconds(),
	}
}
