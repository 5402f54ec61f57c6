package render

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"report-export/internal/domain"
	"report-export/internal/service/planner"
)

// A4 landscape, millimetres.
const (
	pageWidth  = 297.0
	pageHeight = 210.0
	margin     = 12.0
	rowHeight  = 7.0
)

// Window is one slice of rows to render as a standalone PDF part.
type Window struct {
	Descriptor *domain.DatasetDescriptor
	Rows       []domain.Row
	// Start is the dataset offset of Rows[0]; numbered rows count from it.
	Start int64
	// FirstPage is the document page number printed on the part's first page.
	FirstPage int
	// Heading is printed under the title, e.g. a booklet entity name.
	Heading   string
	CreatedAt time.Time
}

// PDFRenderer draws fixed-layout report pages.
type PDFRenderer struct {
	RowsPerPage       int
	TOCEntriesPerPage int
}

func (r PDFRenderer) rowsPerPage() int {
	if r.RowsPerPage <= 0 {
		return 20
	}
	return r.RowsPerPage
}

func (r PDFRenderer) tocPerPage() int {
	if r.TOCEntriesPerPage <= 0 {
		return 40
	}
	return r.TOCEntriesPerPage
}

type page struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func newPage(createdAt time.Time, firstPage int) *page {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetCreationDate(createdAt.UTC())
	pdf.SetCatalogSort(true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(margin, margin, margin)
	if firstPage < 1 {
		firstPage = 1
	}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-margin)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 6, "Page "+strconv.Itoa(firstPage+pdf.PageNo()-1), "", 0, "C", false, 0, "")
	})
	return &page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
}

func (p *page) heading(title, sub string) {
	p.pdf.SetFont("Helvetica", "B", 13)
	p.pdf.CellFormat(0, 8, p.tr(title), "", 1, "L", false, 0, "")
	if sub != "" {
		p.pdf.SetFont("Helvetica", "", 9)
		p.pdf.CellFormat(0, 6, p.tr(sub), "", 1, "L", false, 0, "")
	}
	p.pdf.Ln(2)
}

// fit truncates s so it fits in a cell of width w.
func (p *page) fit(s string, w float64) string {
	if p.pdf.GetStringWidth(s) <= w-2 {
		return s
	}
	for len(s) > 0 && p.pdf.GetStringWidth(s+"...") > w-2 {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func (p *page) finish(path string) (int, error) {
	pages := p.pdf.PageCount()
	if err := p.pdf.OutputFileAndClose(path); err != nil {
		return 0, fmt.Errorf("write pdf: %w", err)
	}
	return pages, nil
}

func columnWidths(cols []domain.Column) []float64 {
	var total float64
	for _, c := range cols {
		total += max(c.Width, 0.1)
	}
	usable := pageWidth - 2*margin
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i] = usable * max(c.Width, 0.1) / total
	}
	return out
}

func alignFor(kind domain.ColumnKind) string {
	switch kind {
	case domain.KindInteger, domain.KindDecimal, domain.KindMoney:
		return "R"
	}
	return "L"
}

// RenderWindow writes w to path and returns its page count.
func (r PDFRenderer) RenderWindow(path string, w Window) (int, error) {
	d := w.Descriptor
	p := newPage(w.CreatedAt, w.FirstPage)
	cols := Columns(d)
	widths := columnWidths(cols)
	rows := numberRows(d, w.Rows, w.Start)
	sub := d.Subject
	if w.Heading != "" {
		sub = w.Heading
	}

	for i, row := range rows {
		if i%r.rowsPerPage() == 0 {
			p.pdf.AddPage()
			p.heading(d.Title, sub)
			p.pdf.SetFont("Helvetica", "B", 8)
			p.pdf.SetFillColor(230, 230, 230)
			for j, c := range cols {
				p.pdf.CellFormat(widths[j], rowHeight, p.fit(p.tr(c.Header), widths[j]), "1", 0, alignFor(c.Kind), true, 0, "")
			}
			p.pdf.Ln(rowHeight)
			p.pdf.SetFont("Helvetica", "", 8)
		}
		for j, c := range cols {
			var v any
			if j < len(row) {
				v = row[j]
			}
			text := p.fit(p.tr(FormatValue(c.Kind, v)), widths[j])
			p.pdf.CellFormat(widths[j], rowHeight, text, "1", 0, alignFor(c.Kind), false, 0, "")
		}
		p.pdf.Ln(rowHeight)
	}
	if len(rows) == 0 {
		p.pdf.AddPage()
		p.heading(d.Title, sub)
	}
	return p.finish(path)
}

// RenderContents writes a table of contents. It always fills exactly
// planner.ContentsPages pages so estimated offsets stay valid.
func (r PDFRenderer) RenderContents(path, title string, entries []domain.ContentsEntry, createdAt time.Time) (int, error) {
	p := newPage(createdAt, 1)
	per := r.tocPerPage()
	pages := planner.ContentsPages(len(entries), per)
	usable := pageWidth - 2*margin
	for pg := 0; pg < pages; pg++ {
		p.pdf.AddPage()
		if pg == 0 {
			p.heading(title, "Contents")
		} else {
			p.heading(title, "Contents (continued)")
		}
		p.pdf.SetFont("Helvetica", "", 9)
		lo, hi := pg*per, min((pg+1)*per, len(entries))
		for _, e := range entries[lo:hi] {
			p.pdf.CellFormat(usable-25, 3.8, p.fit(p.tr(e.Title), usable-25), "", 0, "L", false, 0, "")
			p.pdf.CellFormat(25, 3.8, strconv.Itoa(e.Page), "", 1, "R", false, 0, "")
		}
	}
	return p.finish(path)
}

// RenderEmpty writes the single-page document for a dataset with no rows.
func (r PDFRenderer) RenderEmpty(path string, d *domain.DatasetDescriptor, createdAt time.Time) (int, error) {
	p := newPage(createdAt, 1)
	p.pdf.AddPage()
	p.heading(d.Title, d.Subject)
	p.pdf.SetFont("Helvetica", "I", 10)
	p.pdf.CellFormat(0, 10, "No matching rows.", "", 1, "L", false, 0, "")
	return p.finish(path)
}
