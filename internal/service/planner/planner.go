// Package planner turns a report type and filter set into a dataset
// descriptor. Planning is pure: the same inputs always produce the same
// query, which is what makes resumed exports reproduce uninterrupted ones.
package planner

import (
	"fmt"
	"time"

	"report-export/internal/domain"
)

// Planner builds the descriptor for one report type. asOf is the job's fixed
// reference time; planners never read the wall clock.
type Planner interface {
	ReportType() domain.ReportType
	Plan(f domain.Filters, asOf time.Time) (*domain.DatasetDescriptor, error)
}

// Options configures the planners.
type Options struct {
	Dialect            Dialect
	RowsPerPage        int
	TOCEntriesPerPage  int
	MaxBookletEntities int
}

func (o Options) withDefaults() Options {
	if o.Dialect == nil {
		o.Dialect = SQLite
	}
	if o.RowsPerPage <= 0 {
		o.RowsPerPage = 20
	}
	if o.TOCEntriesPerPage <= 0 {
		o.TOCEntriesPerPage = 40
	}
	if o.MaxBookletEntities <= 0 {
		o.MaxBookletEntities = 100
	}
	return o
}

// Registry resolves report types to planners.
type Registry struct {
	planners map[domain.ReportType]Planner
}

// NewRegistry registers one planner per report type.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	r := &Registry{planners: make(map[domain.ReportType]Planner, len(domain.ReportTypes))}
	for _, p := range []Planner{
		&detailPlanner{dialect: opts.Dialect},
		&summaryPlanner{dialect: opts.Dialect},
		&topNPlanner{dialect: opts.Dialect},
		&exceptionsPlanner{dialect: opts.Dialect},
		&perEntityPlanner{opts: opts},
	} {
		r.planners[p.ReportType()] = p
	}
	return r
}

// Plan dispatches to the planner for rt.
func (r *Registry) Plan(rt domain.ReportType, f domain.Filters, asOf time.Time) (*domain.DatasetDescriptor, error) {
	p, ok := r.planners[rt]
	if !ok {
		return nil, domain.ErrValidation("unknown report type %q", rt)
	}
	if f == nil {
		f = domain.Filters{}
	}
	d, err := p.Plan(f, asOf.UTC())
	if err != nil {
		return nil, err
	}
	if len(d.Query.OrderBy) == 0 {
		return nil, fmt.Errorf("planner %s produced an unordered query", rt)
	}
	return d, nil
}

// Validate checks that rt can be exported as format with filters f.
func (r *Registry) Validate(rt domain.ReportType, format domain.Format, f domain.Filters, asOf time.Time) error {
	if rt == domain.ReportPerEntity && !format.Paginated() {
		return domain.ErrValidation("per-entity reports are only available as pdf")
	}
	_, err := r.Plan(rt, f, asOf)
	return err
}
