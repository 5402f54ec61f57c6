package planner

import (
	"time"

	"report-export/internal/domain"
)

type perEntityPlanner struct {
	opts Options
}

func (p *perEntityPlanner) ReportType() domain.ReportType { return domain.ReportPerEntity }

// Plan builds a booklet: one sub-report per customer, region or student, each
// re-running the detail query with the entity pinned.
func (p *perEntityPlanner) Plan(f domain.Filters, _ time.Time) (*domain.DatasetDescriptor, error) {
	entityType := f.String("entity_type")
	limit, hasLimit, err := f.Int("entity_limit")
	if err != nil {
		return nil, err
	}
	if !hasLimit {
		limit = p.opts.MaxBookletEntities
	}
	if limit < 1 || limit > p.opts.MaxBookletEntities {
		return nil, domain.ErrValidation("entity_limit must be between 1 and %d", p.opts.MaxBookletEntities)
	}
	ids, err := idPredicate(f, "entity_ids", "x.id")
	if err != nil {
		return nil, err
	}

	var (
		base    domain.Query
		columns []domain.Column
		table   string
		pin     string
		title   string
	)
	switch entityType {
	case "customer":
		base, err = orderDetailQuery(f, true)
		columns, table, pin, title = orderColumns, "customers", "o.customer_id", "Customer Booklet"
	case "region":
		base, err = orderDetailQuery(f, true)
		columns, table, pin, title = orderColumns, "regions", "o.region_id", "Region Booklet"
	case "student":
		base, err = eventDetailQuery(f)
		columns, table, pin, title = eventColumns, "students", "e.student_id", "Student Activity Booklet"
	case "":
		return nil, domain.ErrValidation("entity_type is required: use customer, region or student")
	default:
		return nil, domain.ErrValidation("unsupported entity_type %q: use customer, region or student", entityType)
	}
	if err != nil {
		return nil, err
	}

	return &domain.DatasetDescriptor{
		ReportType: domain.ReportPerEntity,
		Title:      title,
		Subject:    "One section per " + entityType,
		Columns:    columns,
		Query:      base,
		Numbered:   true,
		Booklet: &domain.BookletSpec{
			EntityType: entityType,
			Entities: domain.Query{
				Select:  []string{"x.id", "x.name"},
				From:    table + " x",
				Where:   ids,
				OrderBy: []string{"x.name ASC", "x.id ASC"},
				Limit:   limit,
			},
			PinColumn:         pin,
			RowsPerPage:       p.opts.RowsPerPage,
			TOCEntriesPerPage: p.opts.TOCEntriesPerPage,
		},
	}, nil
}

// ContentsPages is the number of pages the table of contents itself needs.
func ContentsPages(entries, perPage int) int {
	if perPage <= 0 {
		perPage = 40
	}
	return max(1, ceilDiv(entries, perPage))
}

// EntityPages estimates how many pages an entity section of rows rows takes.
func EntityPages(rows int64, rowsPerPage int) int {
	if rowsPerPage <= 0 {
		rowsPerPage = 20
	}
	return max(1, ceilDiv(int(rows), rowsPerPage))
}

// EstimateContents assigns each non-empty entity an estimated starting page.
// The contents pages come first, so the first entity starts after them.
func EstimateContents(entities []domain.EntityRecord, rowsPerPage, tocPerPage int) []domain.ContentsEntry {
	var kept []domain.EntityRecord
	for _, e := range entities {
		if e.Rows > 0 {
			kept = append(kept, e)
		}
	}
	out := make([]domain.ContentsEntry, 0, len(kept))
	page := ContentsPages(len(kept), tocPerPage) + 1
	for _, e := range kept {
		out = append(out, domain.ContentsEntry{Title: e.Name, Page: page})
		page += EntityPages(e.Rows, rowsPerPage)
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
