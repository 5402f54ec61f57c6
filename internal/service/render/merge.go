package render

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/go-pdf/fpdf/contrib/gofpdi"
)

// Part is one rendered PDF and its page count.
type Part struct {
	Path  string
	Pages int
}

// Metadata is stamped on the final document only.
type Metadata struct {
	Title     string
	Subject   string
	Author    string
	Creator   string
	CreatedAt time.Time
}

func (m Metadata) empty() bool {
	return m.Title == "" && m.Subject == "" && m.Author == "" && m.Creator == ""
}

// Merger concatenates PDF parts in order.
type Merger struct{}

// Merge writes parts to dst in order and returns the total page count. A
// single part without metadata is copied as is.
func (Merger) Merge(parts []Part, dst string, meta Metadata) (pages int, err error) {
	if len(parts) == 0 {
		return 0, errors.New("merge: no parts")
	}
	if len(parts) == 1 && meta.empty() {
		if err := copyFile(parts[0].Path, dst); err != nil {
			return 0, err
		}
		return parts[0].Pages, nil
	}

	// gofpdi panics on unreadable input.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge: import failed: %v", r)
		}
	}()

	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetCreationDate(meta.CreatedAt.UTC())
	pdf.SetCatalogSort(true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(meta.Title, true)
	pdf.SetSubject(meta.Subject, true)
	pdf.SetAuthor(meta.Author, true)
	pdf.SetCreator(meta.Creator, true)

	imp := gofpdi.NewImporter()
	for _, part := range parts {
		for n := 1; n <= part.Pages; n++ {
			tpl := imp.ImportPage(pdf, part.Path, n, "/MediaBox")
			pdf.AddPage()
			imp.UseImportedTemplate(pdf, tpl, 0, 0, pageWidth, pageHeight)
			pages++
		}
	}
	if err := pdf.OutputFileAndClose(dst); err != nil {
		return 0, fmt.Errorf("merge: write: %w", err)
	}
	return pages, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("merge: open part: %w", err)
	}
	defer in.Close() //nolint:errcheck
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("merge: create: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("merge: copy: %w", err)
	}
	return out.Close()
}
