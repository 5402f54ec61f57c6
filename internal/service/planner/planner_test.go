package planner

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-export/internal/domain"
)

var asOf = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func requireValidation(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve), "expected validation error, got %T: %v", err, err)
}

func TestRegistry_PlanCoversEveryReportType(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	valid := map[domain.ReportType]domain.Filters{
		domain.ReportDetail:     {"date_from": "2026-01-01", "date_to": "2026-03-31"},
		domain.ReportSummary:    {},
		domain.ReportTopN:       {"top_type": "customers", "limit": float64(10)},
		domain.ReportExceptions: {"exception_type": "refunds", "date_from": "2026-01-01", "date_to": "2026-03-31"},
		domain.ReportPerEntity:  {"entity_type": "customer", "date_from": "2026-01-01", "date_to": "2026-03-31"},
	}
	for _, rt := range domain.ReportTypes {
		t.Run(string(rt), func(t *testing.T) {
			t.Parallel()
			d, err := reg.Plan(rt, valid[rt], asOf)
			require.NoError(t, err)
			assert.Equal(t, rt, d.ReportType)
			assert.NotEmpty(t, d.Columns)
			assert.NotEmpty(t, d.Query.OrderBy)
		})
	}
}

func TestRegistry_PlanIsDeterministic(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	f := domain.Filters{"top_type": "inactive_students", "limit": 25, "inactivity_mode": "lookback"}
	a, err := reg.Plan(domain.ReportTopN, f, asOf)
	require.NoError(t, err)
	b, err := reg.Plan(domain.ReportTopN, f.Clone(), asOf)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDetail_RequiresDateRange(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})

	_, err := reg.Plan(domain.ReportDetail, domain.Filters{}, asOf)
	requireValidation(t, err)

	_, err = reg.Plan(domain.ReportDetail, domain.Filters{"date_from": "2026-01-01"}, asOf)
	requireValidation(t, err)

	_, err = reg.Plan(domain.ReportDetail, domain.Filters{"date_from": "2026-02-01", "date_to": "2026-01-01"}, asOf)
	requireValidation(t, err)
}

func TestDetail_DefaultSortIsNewestFirstWithIDTiebreak(t *testing.T) {
	t.Parallel()
	d, err := NewRegistry(Options{}).Plan(domain.ReportDetail, domain.Filters{"date_from": "2026-01-01", "date_to": "2026-01-31"}, asOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"o.order_date DESC", "o.id DESC"}, d.Query.OrderBy)
	assert.True(t, d.Numbered)

	// date_to is inclusive: the exclusive bound is the next midnight.
	require.Len(t, d.Query.Where, 2)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), d.Query.Where[1].Args[0])
}

func TestDetail_RejectsUnknownSortAndValues(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	base := domain.Filters{"date_from": "2026-01-01", "date_to": "2026-01-31"}

	for name, extra := range map[string]domain.Filters{
		"sort_by":        {"sort_by": "o.id; DROP TABLE orders"},
		"sort_direction": {"sort_direction": "sideways"},
		"status":         {"statuses": []any{"completed", "bogus"}},
		"ids":            {"region_ids": "1,x"},
		"dataset":        {"dataset": "payments"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := base.Clone()
			for k, v := range extra {
				f[k] = v
			}
			_, err := reg.Plan(domain.ReportDetail, f, asOf)
			requireValidation(t, err)
		})
	}
}

func TestDetail_FiltersAreParameterized(t *testing.T) {
	t.Parallel()
	d, err := NewRegistry(Options{}).Plan(domain.ReportDetail, domain.Filters{
		"date_from":    "2026-01-01",
		"date_to":      "2026-01-31",
		"customer_ids": []any{float64(3), float64(7)},
		"categories":   "Books,Garden",
		"amount_min":   10,
	}, asOf)
	require.NoError(t, err)

	var sqls []string
	for _, p := range d.Query.Where {
		sqls = append(sqls, p.SQL)
		assert.NotContains(t, p.SQL, "Books")
	}
	joined := strings.Join(sqls, " AND ")
	assert.Contains(t, joined, "o.customer_id IN (?, ?)")
	assert.Contains(t, joined, "EXISTS (SELECT 1 FROM line_items")
	assert.Contains(t, joined, "o.total_amount >= ?")
}

func TestSummary_GroupByAllowList(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})

	d, err := reg.Plan(domain.ReportSummary, domain.Filters{}, asOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"date(o.order_date)"}, d.Query.GroupBy)

	for _, g := range summaryGroups {
		_, err := reg.Plan(domain.ReportSummary, domain.Filters{"group_by": g}, asOf)
		require.NoError(t, err, g)
	}

	_, err = reg.Plan(domain.ReportSummary, domain.Filters{"group_by": "o.customer_id"}, asOf)
	requireValidation(t, err)
}

func TestSummary_DuckDBDialect(t *testing.T) {
	t.Parallel()
	d, err := NewRegistry(Options{Dialect: DuckDB}).Plan(domain.ReportSummary, domain.Filters{"group_by": "month"}, asOf)
	require.NoError(t, err)
	assert.Contains(t, d.Query.GroupBy[0], "date_trunc('month'")
}

func TestTopN_RequiresTypeAndLimit(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})

	_, err := reg.Plan(domain.ReportTopN, domain.Filters{"limit": 10}, asOf)
	requireValidation(t, err)
	_, err = reg.Plan(domain.ReportTopN, domain.Filters{"top_type": "customers"}, asOf)
	requireValidation(t, err)
	_, err = reg.Plan(domain.ReportTopN, domain.Filters{"top_type": "customers", "limit": 0}, asOf)
	requireValidation(t, err)
	_, err = reg.Plan(domain.ReportTopN, domain.Filters{"top_type": "customers", "limit": maxTopN + 1}, asOf)
	requireValidation(t, err)
	_, err = reg.Plan(domain.ReportTopN, domain.Filters{"top_type": "vendors", "limit": 10}, asOf)
	requireValidation(t, err)
}

func TestTopN_RankUsesSameOrderAsQuery(t *testing.T) {
	t.Parallel()
	d, err := NewRegistry(Options{}).Plan(domain.ReportTopN, domain.Filters{"top_type": "products", "limit": 5, "metric": "orders"}, asOf)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Query.Limit)
	assert.Equal(t, "rank", d.Columns[0].Key)
	assert.Equal(t, "ROW_NUMBER() OVER (ORDER BY "+strings.Join(d.Query.OrderBy, ", ")+")", d.Query.Select[0])
	assert.Equal(t, "pr.id ASC", d.Query.OrderBy[len(d.Query.OrderBy)-1])
}

func TestTopN_InactiveStudentsModes(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	inactive := func(extra domain.Filters) domain.Filters {
		f := domain.Filters{"top_type": "inactive_students", "limit": 50}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}

	t.Run("mode is required", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Plan(domain.ReportTopN, inactive(domain.Filters{"inactivity_days": 14}), asOf)
		requireValidation(t, err)
	})

	t.Run("lookback rejects range and threshold", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Plan(domain.ReportTopN, inactive(domain.Filters{
			"inactivity_mode": "lookback", "date_from": "2026-01-01", "date_to": "2026-01-31",
		}), asOf)
		requireValidation(t, err)
		_, err = reg.Plan(domain.ReportTopN, inactive(domain.Filters{"inactivity_mode": "lookback", "min_events": 3}), asOf)
		requireValidation(t, err)
	})

	t.Run("lookback cutoff derives from as_of", func(t *testing.T) {
		t.Parallel()
		d, err := reg.Plan(domain.ReportTopN, inactive(domain.Filters{"inactivity_mode": "lookback", "inactivity_days": 14}), asOf)
		require.NoError(t, err)
		require.Len(t, d.Query.Having, 1)
		assert.Equal(t, []any{asOf.AddDate(0, 0, -14)}, d.Query.Having[0].Args)
		assert.Equal(t, "(MAX(e.occurred_at) IS NOT NULL) ASC", d.Query.OrderBy[0])
	})

	t.Run("min_activity requires range and rejects lookback days", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Plan(domain.ReportTopN, inactive(domain.Filters{"inactivity_mode": "min_activity"}), asOf)
		requireValidation(t, err)
		_, err = reg.Plan(domain.ReportTopN, inactive(domain.Filters{
			"inactivity_mode": "min_activity", "inactivity_days": 14,
			"date_from": "2026-01-01", "date_to": "2026-01-31",
		}), asOf)
		requireValidation(t, err)

		d, err := reg.Plan(domain.ReportTopN, inactive(domain.Filters{
			"inactivity_mode": "min_activity", "date_from": "2026-01-01", "date_to": "2026-01-31",
		}), asOf)
		require.NoError(t, err)
		assert.Equal(t, []any{defaultMinEvents}, d.Query.Having[0].Args)
	})
}

func TestExceptions_Types(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	dates := domain.Filters{"date_from": "2026-01-01", "date_to": "2026-01-31"}

	for _, kind := range exceptionTypes {
		f := dates.Clone()
		f["exception_type"] = kind
		_, err := reg.Plan(domain.ReportExceptions, f, asOf)
		require.NoError(t, err, kind)
	}

	_, err := reg.Plan(domain.ReportExceptions, domain.Filters{"exception_type": "failed_orders"}, asOf)
	requireValidation(t, err)
	_, err = reg.Plan(domain.ReportExceptions, dates, asOf)
	requireValidation(t, err)

	f := dates.Clone()
	f["exception_type"] = "cancelled_orders"
	d, err := reg.Plan(domain.ReportExceptions, f, asOf)
	require.NoError(t, err)
	last := d.Query.Where[len(d.Query.Where)-1]
	assert.Equal(t, "o.status = ?", last.SQL)
	assert.Equal(t, []any{"cancelled"}, last.Args)
}

func TestPerEntity_Booklet(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{RowsPerPage: 20, TOCEntriesPerPage: 40, MaxBookletEntities: 10})
	f := domain.Filters{"entity_type": "student", "date_from": "2026-01-01", "date_to": "2026-01-31", "entity_ids": "4,2"}

	d, err := reg.Plan(domain.ReportPerEntity, f, asOf)
	require.NoError(t, err)
	require.NotNil(t, d.Booklet)
	assert.Equal(t, "e.student_id", d.Booklet.PinColumn)
	assert.Equal(t, 10, d.Booklet.Entities.Limit)
	assert.Equal(t, []string{"x.name ASC", "x.id ASC"}, d.Booklet.Entities.OrderBy)

	pinned := d.Query.Pin(d.Booklet.PinColumn, int64(4))
	assert.Len(t, pinned.Where, len(d.Query.Where)+1)

	f["entity_limit"] = 11
	_, err = reg.Plan(domain.ReportPerEntity, f, asOf)
	requireValidation(t, err)
}

func TestPerEntity_RequiresPaginatedFormat(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Options{})
	f := domain.Filters{"entity_type": "region", "date_from": "2026-01-01", "date_to": "2026-01-31"}
	requireValidation(t, reg.Validate(domain.ReportPerEntity, domain.FormatXLSX, f, asOf))
	require.NoError(t, reg.Validate(domain.ReportPerEntity, domain.FormatPDF, f, asOf))
}

func TestEstimateContents_SkipsEmptyAndIncreases(t *testing.T) {
	t.Parallel()
	entries := EstimateContents([]domain.EntityRecord{
		{ID: 1, Name: "Alpha", Rows: 40},
		{ID: 2, Name: "Bravo", Rows: 5},
		{ID: 3, Name: "Charlie", Rows: 0},
	}, 20, 40)

	require.Len(t, entries, 2)
	assert.Equal(t, domain.ContentsEntry{Title: "Alpha", Page: 2}, entries[0])
	assert.Equal(t, domain.ContentsEntry{Title: "Bravo", Page: 4}, entries[1])
	assert.Less(t, entries[0].Page, entries[1].Page)
}

func TestEstimateContents_ReservesMultipleContentsPages(t *testing.T) {
	t.Parallel()
	records := make([]domain.EntityRecord, 45)
	for i := range records {
		records[i] = domain.EntityRecord{ID: int64(i + 1), Name: "E", Rows: 1}
	}
	entries := EstimateContents(records, 20, 40)
	require.Len(t, entries, 45)
	assert.Equal(t, 3, entries[0].Page)
	assert.Equal(t, 47, entries[44].Page)
}
