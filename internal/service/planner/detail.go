package planner

import (
	"time"

	"report-export/internal/domain"
)

var orderColumns = []domain.Column{
	{Key: "order_number", Header: "Order #", Kind: domain.KindText, Width: 1.2},
	{Key: "order_date", Header: "Order Date", Kind: domain.KindTimestamp, Width: 1.4},
	{Key: "customer", Header: "Customer", Kind: domain.KindText, Width: 1.8},
	{Key: "region", Header: "Region", Kind: domain.KindText, Width: 1.2},
	{Key: "status", Header: "Status", Kind: domain.KindText, Width: 1},
	{Key: "payment_method", Header: "Payment", Kind: domain.KindText, Width: 1.1},
	{Key: "total_amount", Header: "Total", Kind: domain.KindMoney, Width: 1},
}

var orderSorts = map[string]string{
	"order_date":   "o.order_date",
	"total_amount": "o.total_amount",
	"customer":     "c.name",
	"status":       "o.status",
	"id":           "o.id",
}

var eventColumns = []domain.Column{
	{Key: "occurred_at", Header: "Occurred At", Kind: domain.KindTimestamp, Width: 1.4},
	{Key: "student", Header: "Student", Kind: domain.KindText, Width: 1.8},
	{Key: "course", Header: "Course", Kind: domain.KindText, Width: 1},
	{Key: "course_title", Header: "Course Title", Kind: domain.KindText, Width: 2},
	{Key: "event_type", Header: "Event", Kind: domain.KindText, Width: 1.1},
	{Key: "duration_seconds", Header: "Duration (s)", Kind: domain.KindInteger, Width: 0.9},
}

var eventSorts = map[string]string{
	"occurred_at": "e.occurred_at",
	"student":     "s.name",
	"course":      "c.code",
	"event_type":  "e.event_type",
	"duration":    "e.duration_seconds",
	"id":          "e.id",
}

type detailPlanner struct {
	dialect Dialect
}

func (p *detailPlanner) ReportType() domain.ReportType { return domain.ReportDetail }

// Plan builds a row-level listing of orders (default) or learning events
// (dataset=events). A date range is mandatory.
func (p *detailPlanner) Plan(f domain.Filters, _ time.Time) (*domain.DatasetDescriptor, error) {
	switch f.String("dataset") {
	case "", "orders":
		q, err := orderDetailQuery(f, true)
		if err != nil {
			return nil, err
		}
		return &domain.DatasetDescriptor{
			ReportType: domain.ReportDetail,
			Title:      "Order Detail Report",
			Subject:    "Orders",
			Columns:    orderColumns,
			Query:      q,
			Numbered:   true,
		}, nil
	case "events":
		q, err := eventDetailQuery(f)
		if err != nil {
			return nil, err
		}
		return &domain.DatasetDescriptor{
			ReportType: domain.ReportDetail,
			Title:      "Learning Activity Detail Report",
			Subject:    "Course events",
			Columns:    eventColumns,
			Query:      q,
			Numbered:   true,
		}, nil
	}
	return nil, domain.ErrValidation("unsupported dataset %q: use orders or events", f.String("dataset"))
}

func orderDetailQuery(f domain.Filters, withStatus bool) (domain.Query, error) {
	dates, err := parseDateRange(f, true)
	if err != nil {
		return domain.Query{}, err
	}
	preds, err := orderPredicates(f, withStatus)
	if err != nil {
		return domain.Query{}, err
	}
	col, desc, err := sortSpec(f, orderSorts, "order_date", true)
	if err != nil {
		return domain.Query{}, err
	}
	return domain.Query{
		Select: []string{
			"o.order_number", "o.order_date", "c.name", "r.name",
			"o.status", "o.payment_method", "o.total_amount",
		},
		From:    "orders o JOIN customers c ON c.id = o.customer_id JOIN regions r ON r.id = o.region_id",
		Where:   append(dates.predicates("o.order_date"), preds...),
		OrderBy: []string{col + " " + direction(desc), "o.id " + direction(desc)},
	}, nil
}

func eventDetailQuery(f domain.Filters) (domain.Query, error) {
	dates, err := parseDateRange(f, true)
	if err != nil {
		return domain.Query{}, err
	}
	preds, err := activityPredicates(f)
	if err != nil {
		return domain.Query{}, err
	}
	col, desc, err := sortSpec(f, eventSorts, "occurred_at", true)
	if err != nil {
		return domain.Query{}, err
	}
	return domain.Query{
		Select: []string{
			"e.occurred_at", "s.name", "c.code", "c.title", "e.event_type", "e.duration_seconds",
		},
		From:    "course_events e JOIN students s ON s.id = e.student_id JOIN courses c ON c.id = e.course_id",
		Where:   append(dates.predicates("e.occurred_at"), preds...),
		OrderBy: []string{col + " " + direction(desc), "e.id " + direction(desc)},
	}, nil
}
