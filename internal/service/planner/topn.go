package planner

import (
	"strconv"
	"strings"
	"time"

	"report-export/internal/domain"
)

var topTypes = []string{"customers", "products", "regions", "students", "courses", "inactive_students"}

const (
	defaultInactivityDays = 14
	defaultMinEvents      = 5
)

type topNPlanner struct {
	dialect Dialect
}

func (p *topNPlanner) ReportType() domain.ReportType { return domain.ReportTopN }

// Plan ranks entities by a metric. top_type and limit are required; rank is
// computed in SQL so it stays stable across windows.
func (p *topNPlanner) Plan(f domain.Filters, asOf time.Time) (*domain.DatasetDescriptor, error) {
	topType := f.String("top_type")
	if topType == "" {
		return nil, domain.ErrValidation("top_type is required: use one of %v", topTypes)
	}
	limit, ok, err := f.Int("limit")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrValidation("limit is required for top-n reports")
	}
	if limit < 1 || limit > maxTopN {
		return nil, domain.ErrValidation("limit must be between 1 and %d", maxTopN)
	}

	var d *domain.DatasetDescriptor
	switch topType {
	case "customers", "products", "regions":
		d, err = p.salesRanking(f, topType)
	case "students", "courses":
		d, err = p.activityRanking(f, topType)
	case "inactive_students":
		d, err = p.inactiveStudents(f, asOf)
	default:
		return nil, domain.ErrValidation("unsupported top_type %q: use one of %v", topType, topTypes)
	}
	if err != nil {
		return nil, err
	}
	d.ReportType = domain.ReportTopN
	d.Query.Limit = int(limit)
	d.Columns = append([]domain.Column{{Key: "rank", Header: "Rank", Kind: domain.KindInteger, Width: 0.5}}, d.Columns...)
	d.Query.Select = append([]string{"ROW_NUMBER() OVER (ORDER BY " + strings.Join(d.Query.OrderBy, ", ") + ")"}, d.Query.Select...)
	return d, nil
}

func (p *topNPlanner) salesRanking(f domain.Filters, topType string) (*domain.DatasetDescriptor, error) {
	dates, err := parseDateRange(f, false)
	if err != nil {
		return nil, err
	}
	preds, err := orderPredicates(f, true)
	if err != nil {
		return nil, err
	}
	where := append(dates.predicates("o.order_date"), preds...)

	metric := f.String("metric")
	if metric == "" {
		metric = "revenue"
	}
	if metric != "revenue" && metric != "orders" {
		return nil, domain.ErrValidation("unsupported metric %q: use revenue or orders", metric)
	}

	switch topType {
	case "customers":
		revenue, orders := "ROUND(SUM(o.total_amount), 2)", "COUNT(*)"
		return &domain.DatasetDescriptor{
			Title:   "Top Customers",
			Subject: "Customers ranked by " + metric,
			Columns: []domain.Column{
				{Key: "customer", Header: "Customer", Kind: domain.KindText, Width: 2},
				{Key: "email", Header: "Email", Kind: domain.KindText, Width: 2},
				{Key: "total_orders", Header: "Orders", Kind: domain.KindInteger, Width: 0.8},
				{Key: "total_revenue", Header: "Revenue", Kind: domain.KindMoney, Width: 1.1},
			},
			Query: domain.Query{
				Select:  []string{"c.name", "c.email", orders, revenue},
				From:    "orders o JOIN customers c ON c.id = o.customer_id",
				Where:   where,
				GroupBy: []string{"c.id", "c.name", "c.email"},
				OrderBy: rankOrder(metric, revenue, orders, "c.id"),
			},
		}, nil
	case "products":
		revenue, orders := "ROUND(SUM(li.line_total), 2)", "SUM(li.quantity)"
		return &domain.DatasetDescriptor{
			Title:   "Top Products",
			Subject: "Products ranked by " + metric,
			Columns: []domain.Column{
				{Key: "sku", Header: "SKU", Kind: domain.KindText, Width: 1},
				{Key: "product", Header: "Product", Kind: domain.KindText, Width: 2},
				{Key: "category", Header: "Category", Kind: domain.KindText, Width: 1.2},
				{Key: "units_sold", Header: "Units", Kind: domain.KindInteger, Width: 0.8},
				{Key: "total_revenue", Header: "Revenue", Kind: domain.KindMoney, Width: 1.1},
			},
			Query: domain.Query{
				Select:  []string{"pr.sku", "pr.name", "pr.category", orders, revenue},
				From:    "orders o JOIN line_items li ON li.order_id = o.id JOIN products pr ON pr.id = li.product_id",
				Where:   where,
				GroupBy: []string{"pr.id", "pr.sku", "pr.name", "pr.category"},
				OrderBy: rankOrder(metric, revenue, orders, "pr.id"),
			},
		}, nil
	default:
		revenue, orders := "ROUND(SUM(o.total_amount), 2)", "COUNT(*)"
		return &domain.DatasetDescriptor{
			Title:   "Top Regions",
			Subject: "Regions ranked by " + metric,
			Columns: []domain.Column{
				{Key: "region", Header: "Region", Kind: domain.KindText, Width: 1.5},
				{Key: "country", Header: "Country", Kind: domain.KindText, Width: 1.2},
				{Key: "total_orders", Header: "Orders", Kind: domain.KindInteger, Width: 0.8},
				{Key: "total_revenue", Header: "Revenue", Kind: domain.KindMoney, Width: 1.1},
			},
			Query: domain.Query{
				Select:  []string{"r.name", "r.country", orders, revenue},
				From:    "orders o JOIN regions r ON r.id = o.region_id",
				Where:   where,
				GroupBy: []string{"r.id", "r.name", "r.country"},
				OrderBy: rankOrder(metric, revenue, orders, "r.id"),
			},
		}, nil
	}
}

func rankOrder(metric, revenue, count, id string) []string {
	if metric == "orders" {
		return []string{count + " DESC", revenue + " DESC", id + " ASC"}
	}
	return []string{revenue + " DESC", count + " DESC", id + " ASC"}
}

func (p *topNPlanner) activityRanking(f domain.Filters, topType string) (*domain.DatasetDescriptor, error) {
	dates, err := parseDateRange(f, false)
	if err != nil {
		return nil, err
	}
	preds, err := activityPredicates(f)
	if err != nil {
		return nil, err
	}
	where := append(dates.predicates("e.occurred_at"), preds...)
	events, minutes := "COUNT(e.id)", "ROUND(SUM(e.duration_seconds) / 60.0, 1)"
	from := "course_events e JOIN students s ON s.id = e.student_id JOIN courses c ON c.id = e.course_id"

	if topType == "students" {
		return &domain.DatasetDescriptor{
			Title:   "Most Active Students",
			Subject: "Students ranked by activity",
			Columns: []domain.Column{
				{Key: "student", Header: "Student", Kind: domain.KindText, Width: 2},
				{Key: "program", Header: "Program", Kind: domain.KindText, Width: 1.4},
				{Key: "events", Header: "Events", Kind: domain.KindInteger, Width: 0.8},
				{Key: "minutes", Header: "Minutes", Kind: domain.KindDecimal, Width: 0.9},
			},
			Query: domain.Query{
				Select:  []string{"s.name", "s.program", events, minutes},
				From:    from,
				Where:   where,
				GroupBy: []string{"s.id", "s.name", "s.program"},
				OrderBy: []string{events + " DESC", "s.id ASC"},
			},
		}, nil
	}
	return &domain.DatasetDescriptor{
		Title:   "Most Active Courses",
		Subject: "Courses ranked by activity",
		Columns: []domain.Column{
			{Key: "course", Header: "Course", Kind: domain.KindText, Width: 1},
			{Key: "title", Header: "Title", Kind: domain.KindText, Width: 2.2},
			{Key: "students", Header: "Students", Kind: domain.KindInteger, Width: 0.8},
			{Key: "events", Header: "Events", Kind: domain.KindInteger, Width: 0.8},
		},
		Query: domain.Query{
			Select:  []string{"c.code", "c.title", "COUNT(DISTINCT e.student_id)", events},
			From:    from,
			Where:   where,
			GroupBy: []string{"c.id", "c.code", "c.title"},
			OrderBy: []string{events + " DESC", "c.id ASC"},
		},
	}, nil
}

// inactiveStudents has two mutually exclusive modes. lookback lists students
// with no activity in the inactivity_days before asOf. min_activity lists
// students with fewer than min_events inside an explicit date range.
func (p *topNPlanner) inactiveStudents(f domain.Filters, asOf time.Time) (*domain.DatasetDescriptor, error) {
	mode := f.String("inactivity_mode")
	days, hasDays, err := f.Int("inactivity_days")
	if err != nil {
		return nil, err
	}
	minEvents, hasMin, err := f.Int("min_events")
	if err != nil {
		return nil, err
	}
	hasRange := f.Has("date_from") || f.Has("date_to")

	studentPreds, err := studentPredicates(f)
	if err != nil {
		return nil, err
	}
	lastSeen := "MAX(e.occurred_at)"
	columns := []domain.Column{
		{Key: "student", Header: "Student", Kind: domain.KindText, Width: 2},
		{Key: "email", Header: "Email", Kind: domain.KindText, Width: 2},
		{Key: "program", Header: "Program", Kind: domain.KindText, Width: 1.3},
		{Key: "last_activity", Header: "Last Activity", Kind: domain.KindTimestamp, Width: 1.4},
	}

	switch mode {
	case "lookback":
		if hasRange || hasMin {
			return nil, domain.ErrValidation("inactivity_mode lookback does not accept date_from, date_to or min_events")
		}
		if !hasDays {
			days = defaultInactivityDays
		}
		if days < 1 || days > 3650 {
			return nil, domain.ErrValidation("inactivity_days must be between 1 and 3650")
		}
		cutoff := asOf.AddDate(0, 0, -int(days))
		return &domain.DatasetDescriptor{
			Title:   "Inactive Students",
			Subject: "Students without activity in the last " + strconv.Itoa(days) + " days",
			Columns: append(columns, domain.Column{Key: "days_inactive", Header: "Days Inactive", Kind: domain.KindInteger, Width: 0.9}),
			Query: domain.Query{
				Select:     []string{"s.name", "s.email", "s.program", lastSeen, p.dialect.DaysBefore(lastSeen)},
				SelectArgs: []any{asOf},
				From:       "students s LEFT JOIN course_events e ON e.student_id = s.id AND e.occurred_at <= ?",
				FromArgs:   []any{asOf},
				Where:      studentPreds,
				GroupBy:    []string{"s.id", "s.name", "s.email", "s.program"},
				Having:     []domain.Predicate{{SQL: lastSeen + " IS NULL OR " + lastSeen + " < ?", Args: []any{cutoff}}},
				OrderBy:    []string{"(" + lastSeen + " IS NOT NULL) ASC", lastSeen + " ASC", "s.id ASC"},
			},
		}, nil
	case "min_activity":
		if hasDays {
			return nil, domain.ErrValidation("inactivity_mode min_activity does not accept inactivity_days")
		}
		dates, err := parseDateRange(f, true)
		if err != nil {
			return nil, err
		}
		if !hasMin {
			minEvents = defaultMinEvents
		}
		if minEvents < 1 {
			return nil, domain.ErrValidation("min_events must be at least 1")
		}
		count := "COUNT(e.id)"
		return &domain.DatasetDescriptor{
			Title:   "Low Activity Students",
			Subject: "Students with fewer than " + strconv.Itoa(minEvents) + " events in range",
			Columns: append(columns, domain.Column{Key: "events", Header: "Events", Kind: domain.KindInteger, Width: 0.8}),
			Query: domain.Query{
				Select:   []string{"s.name", "s.email", "s.program", lastSeen, count},
				From:     "students s LEFT JOIN course_events e ON e.student_id = s.id AND e.occurred_at >= ? AND e.occurred_at < ?",
				FromArgs: []any{dates.from, dates.until},
				Where:    studentPreds,
				GroupBy:  []string{"s.id", "s.name", "s.email", "s.program"},
				Having:   []domain.Predicate{{SQL: count + " < ?", Args: []any{minEvents}}},
				OrderBy:  []string{count + " ASC", "s.id ASC"},
			},
		}, nil
	case "":
		return nil, domain.ErrValidation("inactive_students requires inactivity_mode: lookback or min_activity")
	}
	return nil, domain.ErrValidation("unsupported inactivity_mode %q: use lookback or min_activity", mode)
}

func studentPredicates(f domain.Filters) ([]domain.Predicate, error) {
	out, err := idPredicate(f, "student_ids", "s.id")
	if err != nil {
		return nil, err
	}
	p, err := stringPredicate(f, "programs", "s.program", nil)
	if err != nil {
		return nil, err
	}
	return append(out, p...), nil
}
