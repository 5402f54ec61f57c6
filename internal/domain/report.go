package domain

import "strings"

// ReportType is the closed set of report variants the planner understands.
type ReportType string

// Report types.
const (
	ReportDetail     ReportType = "detail"
	ReportSummary    ReportType = "summary"
	ReportTopN       ReportType = "top-n"
	ReportExceptions ReportType = "exceptions"
	ReportPerEntity  ReportType = "per-entity"
)

// ReportTypes lists every supported report type in display order.
var ReportTypes = []ReportType{ReportDetail, ReportSummary, ReportTopN, ReportExceptions, ReportPerEntity}

// ParseReportType validates s against the closed set of report types.
// "top_n" and "booklet" are accepted as aliases.
func ParseReportType(s string) (ReportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detail":
		return ReportDetail, nil
	case "summary":
		return ReportSummary, nil
	case "top-n", "top_n", "topn":
		return ReportTopN, nil
	case "exceptions":
		return ReportExceptions, nil
	case "per-entity", "per_entity", "booklet":
		return ReportPerEntity, nil
	}
	return "", ErrValidation("unknown report type %q", s)
}

// Format is the output document format.
type Format string

// Output formats.
const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates s against the supported output formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf":
		return FormatPDF, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", ErrValidation("unsupported format %q: use pdf or xlsx", s)
}

// Paginated reports whether the format is rendered page by page and merged.
func (f Format) Paginated() bool { return f == FormatPDF }

// Extension returns the file extension for the format, without a dot.
func (f Format) Extension() string { return string(f) }

// ContentType returns the MIME type served for downloads.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
