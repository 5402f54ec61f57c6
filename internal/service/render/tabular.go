package render

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/xuri/excelize/v2"

	"report-export/internal/domain"
)

// ErrSpoolShort means the spool on disk is shorter than the checkpointed
// length, so the run cannot resume from it.
var ErrSpoolShort = errors.New("spool is shorter than checkpoint")

// maxSheetRows is the number of data rows per worksheet; xlsx caps a sheet
// at 1,048,576 rows including the header.
const maxSheetRows = 1_048_575

// Spool is an append-only JSON-lines file of rendered rows. Its byte length
// after each window is the resume marker for tabular exports.
type Spool struct {
	path string
	f    *os.File
	w    *bufio.Writer
	size int64
}

// OpenSpool opens path for appending, first truncating it to resumeAt bytes.
// resumeAt of 0 starts a fresh spool.
func OpenSpool(path string, resumeAt int64) (*Spool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat spool: %w", err)
	}
	if info.Size() < resumeAt {
		_ = f.Close()
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrSpoolShort, info.Size(), resumeAt)
	}
	if err := f.Truncate(resumeAt); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate spool: %w", err)
	}
	if _, err := f.Seek(resumeAt, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek spool: %w", err)
	}
	return &Spool{path: path, f: f, w: bufio.NewWriterSize(f, 256<<10), size: resumeAt}, nil
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

// Append writes one window of rows. start is the dataset offset of rows[0].
func (s *Spool) Append(d *domain.DatasetDescriptor, rows []domain.Row, start int64) error {
	for _, r := range numberRows(d, rows, start) {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		b = append(b, '\n')
		if _, err := s.w.Write(b); err != nil {
			return fmt.Errorf("write spool: %w", err)
		}
		s.size += int64(len(b))
	}
	return nil
}

// Sync flushes buffered rows to disk and returns the durable spool length.
func (s *Spool) Sync() (int64, error) {
	if err := s.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush spool: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync spool: %w", err)
	}
	return s.size, nil
}

// Close flushes and closes the spool.
func (s *Spool) Close() error {
	flushErr := s.w.Flush()
	return errors.Join(flushErr, s.f.Close())
}

// XLSXWriter streams a spool into a workbook.
type XLSXWriter struct {
	Creator   string
	SheetRows int // data rows per sheet; 0 means the xlsx maximum
}

// Write transcodes the spool at spoolPath into an XLSX file at dst and
// returns the number of data rows written.
func (x XLSXWriter) Write(ctx context.Context, spoolPath, dst string, d *domain.DatasetDescriptor) (int64, error) {
	in, err := os.Open(spoolPath)
	if err != nil {
		return 0, fmt.Errorf("open spool: %w", err)
	}
	defer in.Close() //nolint:errcheck

	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   d.Title,
		Subject: d.Subject,
		Creator: x.Creator,
	}); err != nil {
		return 0, fmt.Errorf("set workbook properties: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("header style: %w", err)
	}

	cols := Columns(d)
	perSheet := x.SheetRows
	if perSheet <= 0 || perSheet > maxSheetRows {
		perSheet = maxSheetRows
	}

	sheets := 0
	var sw *excelize.StreamWriter
	nextSheet := func() error {
		if sw != nil {
			if err := sw.Flush(); err != nil {
				return err
			}
		}
		sheets++
		name := "Report"
		if sheets == 1 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return err
			}
		} else {
			name = "Report " + strconv.Itoa(sheets)
			if _, err := f.NewSheet(name); err != nil {
				return err
			}
		}
		w, err := f.NewStreamWriter(name)
		if err != nil {
			return err
		}
		for i, c := range cols {
			width := c.Width * 14
			if width <= 0 {
				width = 14
			}
			if err := w.SetColWidth(i+1, i+1, width); err != nil {
				return err
			}
		}
		header := make([]any, len(cols))
		for i, c := range cols {
			header[i] = c.Header
		}
		if err := w.SetRow("A1", header, excelize.RowOpts{StyleID: headerStyle}); err != nil {
			return err
		}
		sw = w
		return nil
	}
	if err := nextSheet(); err != nil {
		return 0, fmt.Errorf("start sheet: %w", err)
	}

	dec := json.NewDecoder(bufio.NewReaderSize(in, 256<<10))
	dec.UseNumber()
	var written int64
	sheetRow := 0
	for {
		var raw []any
		if err := dec.Decode(&raw); err == io.EOF {
			break
		} else if err != nil {
			return written, fmt.Errorf("decode spool row %d: %w", written+1, err)
		}
		if written%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
		}
		if sheetRow == perSheet {
			if err := nextSheet(); err != nil {
				return written, fmt.Errorf("roll sheet: %w", err)
			}
			sheetRow = 0
		}
		values := make([]any, len(cols))
		for i := range cols {
			if i < len(raw) {
				values[i] = cellValue(cols[i].Kind, raw[i])
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, sheetRow+2)
		if err != nil {
			return written, err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return written, fmt.Errorf("write row %d: %w", written+1, err)
		}
		sheetRow++
		written++
	}
	if err := sw.Flush(); err != nil {
		return written, fmt.Errorf("flush sheet: %w", err)
	}
	if err := f.SaveAs(dst); err != nil {
		return written, fmt.Errorf("save workbook: %w", err)
	}
	return written, nil
}
