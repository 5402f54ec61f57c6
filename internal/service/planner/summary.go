package planner

import (
	"time"

	"report-export/internal/domain"
)

var summaryGroups = []string{"date", "month", "region", "status", "payment_method", "category"}

type summaryPlanner struct {
	dialect Dialect
}

func (p *summaryPlanner) ReportType() domain.ReportType { return domain.ReportSummary }

// Plan aggregates orders by one dimension (group_by, default date).
func (p *summaryPlanner) Plan(f domain.Filters, _ time.Time) (*domain.DatasetDescriptor, error) {
	group := f.String("group_by")
	if group == "" {
		group = "date"
	}
	dates, err := parseDateRange(f, false)
	if err != nil {
		return nil, err
	}
	preds, err := orderPredicates(f, true)
	if err != nil {
		return nil, err
	}
	where := append(dates.predicates("o.order_date"), preds...)

	var keyExpr, keyHeader string
	from := "orders o"
	switch group {
	case "date":
		keyExpr, keyHeader = p.dialect.Day("o.order_date"), "Date"
	case "month":
		keyExpr, keyHeader = p.dialect.Month("o.order_date"), "Month"
	case "region":
		keyExpr, keyHeader = "r.name", "Region"
		from = "orders o JOIN regions r ON r.id = o.region_id"
	case "status":
		keyExpr, keyHeader = "o.status", "Status"
	case "payment_method":
		keyExpr, keyHeader = "o.payment_method", "Payment Method"
	case "category":
		return p.categoryPlan(where), nil
	default:
		return nil, domain.ErrValidation("unsupported group_by %q: use one of %v", group, summaryGroups)
	}

	order := keyExpr + " DESC"
	if group != "date" && group != "month" {
		order = keyExpr + " ASC"
	}
	return &domain.DatasetDescriptor{
		ReportType: domain.ReportSummary,
		Title:      "Sales Summary Report",
		Subject:    "Orders grouped by " + group,
		Columns: []domain.Column{
			{Key: "group_key", Header: keyHeader, Kind: domain.KindText, Width: 1.4},
			{Key: "total_orders", Header: "Orders", Kind: domain.KindInteger, Width: 0.8},
			{Key: "total_revenue", Header: "Revenue", Kind: domain.KindMoney, Width: 1.1},
			{Key: "average_order_value", Header: "Avg Order", Kind: domain.KindMoney, Width: 1},
			{Key: "total_tax", Header: "Tax", Kind: domain.KindMoney, Width: 0.9},
			{Key: "total_shipping", Header: "Shipping", Kind: domain.KindMoney, Width: 0.9},
		},
		Query: domain.Query{
			Select: []string{
				keyExpr + " AS group_key",
				"COUNT(*)",
				"ROUND(SUM(o.total_amount), 2)",
				"ROUND(AVG(o.total_amount), 2)",
				"ROUND(SUM(o.tax), 2)",
				"ROUND(SUM(o.shipping_cost), 2)",
			},
			From:    from,
			Where:   where,
			GroupBy: []string{keyExpr},
			// group keys are unique after grouping, so the key alone is a total order
			OrderBy: []string{order},
		},
	}, nil
}

func (p *summaryPlanner) categoryPlan(where []domain.Predicate) *domain.DatasetDescriptor {
	return &domain.DatasetDescriptor{
		ReportType: domain.ReportSummary,
		Title:      "Sales Summary Report",
		Subject:    "Line items grouped by product category",
		Columns: []domain.Column{
			{Key: "category", Header: "Category", Kind: domain.KindText, Width: 1.4},
			{Key: "total_orders", Header: "Orders", Kind: domain.KindInteger, Width: 0.8},
			{Key: "units_sold", Header: "Units", Kind: domain.KindInteger, Width: 0.8},
			{Key: "total_revenue", Header: "Revenue", Kind: domain.KindMoney, Width: 1.1},
			{Key: "average_line_value", Header: "Avg Line", Kind: domain.KindMoney, Width: 1},
		},
		Query: domain.Query{
			Select: []string{
				"p.category",
				"COUNT(DISTINCT o.id)",
				"SUM(li.quantity)",
				"ROUND(SUM(li.line_total), 2)",
				"ROUND(AVG(li.line_total), 2)",
			},
			From:    "orders o JOIN line_items li ON li.order_id = o.id JOIN products p ON p.id = li.product_id",
			Where:   where,
			GroupBy: []string{"p.category"},
			OrderBy: []string{"p.category ASC"},
		},
	}
}
