package planner

import (
	"strings"
	"time"

	"report-export/internal/domain"
)

// maxTopN bounds the top-n limit.
const maxTopN = 1000

type dateRange struct {
	from  time.Time
	until time.Time // exclusive
	set   bool
}

// parseDateRange reads date_from/date_to. Both are inclusive calendar dates;
// the range is half-open internally so timestamps on date_to are included.
func parseDateRange(f domain.Filters, required bool) (dateRange, error) {
	from, hasFrom, err := f.Date("date_from")
	if err != nil {
		return dateRange{}, err
	}
	to, hasTo, err := f.Date("date_to")
	if err != nil {
		return dateRange{}, err
	}
	if !hasFrom && !hasTo {
		if required {
			return dateRange{}, domain.ErrValidation("date_from and date_to are required")
		}
		return dateRange{}, nil
	}
	if hasFrom != hasTo {
		return dateRange{}, domain.ErrValidation("date_from and date_to must be given together")
	}
	if to.Before(from) {
		return dateRange{}, domain.ErrValidation("date_to must be on or after date_from")
	}
	until := to
	if to.Equal(to.Truncate(24 * time.Hour)) {
		until = to.Add(24 * time.Hour)
	}
	return dateRange{from: from, until: until, set: true}, nil
}

func (d dateRange) predicates(col string) []domain.Predicate {
	if !d.set {
		return nil
	}
	return []domain.Predicate{
		{SQL: col + " >= ?", Args: []any{d.from}},
		{SQL: col + " < ?", Args: []any{d.until}},
	}
}

func inList(col string, values []any) domain.Predicate {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return domain.Predicate{SQL: col + " IN (" + marks + ")", Args: values}
}

func idPredicate(f domain.Filters, key, col string) ([]domain.Predicate, error) {
	ids, err := f.IDs(key)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return []domain.Predicate{inList(col, values)}, nil
}

func stringPredicate(f domain.Filters, key, col string, allowed map[string]bool) ([]domain.Predicate, error) {
	items, err := f.Strings(key)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	values := make([]any, len(items))
	for i, s := range items {
		if allowed != nil && !allowed[s] {
			return nil, domain.ErrValidation("filter %q has unsupported value %q", key, s)
		}
		values[i] = s
	}
	return []domain.Predicate{inList(col, values)}, nil
}

func amountPredicates(f domain.Filters, col string) ([]domain.Predicate, error) {
	var out []domain.Predicate
	minV, hasMin, err := f.Float("amount_min")
	if err != nil {
		return nil, err
	}
	maxV, hasMax, err := f.Float("amount_max")
	if err != nil {
		return nil, err
	}
	if hasMin && hasMax && maxV < minV {
		return nil, domain.ErrValidation("amount_max must be greater than or equal to amount_min")
	}
	if hasMin {
		out = append(out, domain.Predicate{SQL: col + " >= ?", Args: []any{minV}})
	}
	if hasMax {
		out = append(out, domain.Predicate{SQL: col + " <= ?", Args: []any{maxV}})
	}
	return out, nil
}

var orderStatuses = map[string]bool{
	"pending": true, "processing": true, "completed": true, "shipped": true,
	"delivered": true, "failed": true, "cancelled": true, "refunded": true,
}

var paymentMethods = map[string]bool{
	"credit_card": true, "debit_card": true, "paypal": true, "bank_transfer": true, "cash": true,
}

// orderPredicates applies the shared order dimension filters on alias o.
// statuses is skipped when the caller forces a status.
func orderPredicates(f domain.Filters, withStatus bool) ([]domain.Predicate, error) {
	var out []domain.Predicate
	add := func(p []domain.Predicate, err error) error {
		if err != nil {
			return err
		}
		out = append(out, p...)
		return nil
	}
	if err := add(idPredicate(f, "region_ids", "o.region_id")); err != nil {
		return nil, err
	}
	if err := add(idPredicate(f, "customer_ids", "o.customer_id")); err != nil {
		return nil, err
	}
	if withStatus {
		if err := add(stringPredicate(f, "statuses", "o.status", orderStatuses)); err != nil {
			return nil, err
		}
	}
	if err := add(stringPredicate(f, "payment_methods", "o.payment_method", paymentMethods)); err != nil {
		return nil, err
	}
	if err := add(amountPredicates(f, "o.total_amount")); err != nil {
		return nil, err
	}
	categories, err := f.Strings("categories")
	if err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		values := make([]any, len(categories))
		for i, c := range categories {
			values[i] = c
		}
		p := inList("p.category", values)
		p.SQL = "EXISTS (SELECT 1 FROM line_items li JOIN products p ON p.id = li.product_id WHERE li.order_id = o.id AND " + p.SQL + ")"
		out = append(out, p)
	}
	return out, nil
}

// activityPredicates applies the shared learning-activity filters on aliases
// e (course_events), s (students) and c (courses).
func activityPredicates(f domain.Filters) ([]domain.Predicate, error) {
	var out []domain.Predicate
	for _, spec := range []struct{ key, col string }{
		{"course_ids", "e.course_id"},
		{"student_ids", "e.student_id"},
		{"term_ids", "c.term_id"},
	} {
		p, err := idPredicate(f, spec.key, spec.col)
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	p, err := stringPredicate(f, "event_types", "e.event_type", nil)
	if err != nil {
		return nil, err
	}
	out = append(out, p...)
	p, err = stringPredicate(f, "programs", "s.program", nil)
	if err != nil {
		return nil, err
	}
	return append(out, p...), nil
}

// sortSpec resolves sort_by/sort_direction against an allow-list.
func sortSpec(f domain.Filters, allowed map[string]string, defaultKey string, defaultDesc bool) (col string, desc bool, err error) {
	key := f.String("sort_by")
	if key == "" {
		key = defaultKey
	}
	col, ok := allowed[key]
	if !ok {
		return "", false, domain.ErrValidation("unsupported sort_by %q", key)
	}
	desc = defaultDesc
	switch strings.ToLower(f.String("sort_direction")) {
	case "":
	case "asc":
		desc = false
	case "desc":
		desc = true
	default:
		return "", false, domain.ErrValidation("sort_direction must be asc or desc")
	}
	return col, desc, nil
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}
