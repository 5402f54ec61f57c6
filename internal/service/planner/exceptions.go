package planner

import (
	"time"

	"report-export/internal/domain"
)

var exceptionTypes = []string{"failed_orders", "cancelled_orders", "refunds", "late_submissions"}

type exceptionsPlanner struct {
	dialect Dialect
}

func (p *exceptionsPlanner) ReportType() domain.ReportType { return domain.ReportExceptions }

// Plan lists rows that need attention. exception_type is required.
func (p *exceptionsPlanner) Plan(f domain.Filters, _ time.Time) (*domain.DatasetDescriptor, error) {
	switch kind := f.String("exception_type"); kind {
	case "failed_orders", "cancelled_orders":
		if f.Has("statuses") {
			return nil, domain.ErrValidation("statuses cannot be combined with exception_type %s", kind)
		}
		q, err := orderDetailQuery(f, false)
		if err != nil {
			return nil, err
		}
		status, title := "failed", "Failed Orders"
		if kind == "cancelled_orders" {
			status, title = "cancelled", "Cancelled Orders"
		}
		q.Where = append(q.Where, domain.Predicate{SQL: "o.status = ?", Args: []any{status}})
		return &domain.DatasetDescriptor{
			ReportType: domain.ReportExceptions,
			Title:      title,
			Subject:    "Orders with status " + status,
			Columns:    orderColumns,
			Query:      q,
			Numbered:   true,
		}, nil
	case "refunds":
		return p.refunds(f)
	case "late_submissions":
		return p.lateSubmissions(f)
	case "":
		return nil, domain.ErrValidation("exception_type is required: use one of %v", exceptionTypes)
	default:
		return nil, domain.ErrValidation("unsupported exception_type %q: use one of %v", kind, exceptionTypes)
	}
}

func (p *exceptionsPlanner) refunds(f domain.Filters) (*domain.DatasetDescriptor, error) {
	dates, err := parseDateRange(f, true)
	if err != nil {
		return nil, err
	}
	preds, err := orderPredicates(f, true)
	if err != nil {
		return nil, err
	}
	refundAmount, err := amountPredicates(domain.Filters{
		"amount_min": f["refund_min"],
		"amount_max": f["refund_max"],
	}, "rf.amount")
	if err != nil {
		return nil, err
	}
	where := append(dates.predicates("rf.refund_date"), preds...)
	return &domain.DatasetDescriptor{
		ReportType: domain.ReportExceptions,
		Title:      "Refunds",
		Subject:    "Refunds issued in range",
		Columns: []domain.Column{
			{Key: "refund_date", Header: "Refund Date", Kind: domain.KindTimestamp, Width: 1.4},
			{Key: "order_number", Header: "Order #", Kind: domain.KindText, Width: 1.2},
			{Key: "customer", Header: "Customer", Kind: domain.KindText, Width: 1.8},
			{Key: "reason", Header: "Reason", Kind: domain.KindText, Width: 2},
			{Key: "order_total", Header: "Order Total", Kind: domain.KindMoney, Width: 1},
			{Key: "refund_amount", Header: "Refund", Kind: domain.KindMoney, Width: 1},
		},
		Query: domain.Query{
			Select:  []string{"rf.refund_date", "o.order_number", "c.name", "rf.reason", "o.total_amount", "rf.amount"},
			From:    "refunds rf JOIN orders o ON o.id = rf.order_id JOIN customers c ON c.id = o.customer_id",
			Where:   append(where, refundAmount...),
			OrderBy: []string{"rf.refund_date DESC", "rf.id DESC"},
		},
		Numbered: true,
	}, nil
}

func (p *exceptionsPlanner) lateSubmissions(f domain.Filters) (*domain.DatasetDescriptor, error) {
	dates, err := parseDateRange(f, true)
	if err != nil {
		return nil, err
	}
	var where []domain.Predicate
	for _, spec := range []struct{ key, col string }{
		{"course_ids", "a.course_id"},
		{"student_ids", "sb.student_id"},
		{"term_ids", "c.term_id"},
	} {
		pred, err := idPredicate(f, spec.key, spec.col)
		if err != nil {
			return nil, err
		}
		where = append(where, pred...)
	}
	where = append(where, dates.predicates("a.due_date")...)
	where = append(where, domain.Predicate{SQL: "sb.submitted_at > a.due_date"})
	hoursLate := p.dialect.HoursBetween("a.due_date", "sb.submitted_at")
	return &domain.DatasetDescriptor{
		ReportType: domain.ReportExceptions,
		Title:      "Late Submissions",
		Subject:    "Submissions received after the due date",
		Columns: []domain.Column{
			{Key: "student", Header: "Student", Kind: domain.KindText, Width: 1.8},
			{Key: "course", Header: "Course", Kind: domain.KindText, Width: 0.9},
			{Key: "assignment", Header: "Assignment", Kind: domain.KindText, Width: 2},
			{Key: "due_date", Header: "Due", Kind: domain.KindTimestamp, Width: 1.4},
			{Key: "submitted_at", Header: "Submitted", Kind: domain.KindTimestamp, Width: 1.4},
			{Key: "hours_late", Header: "Hours Late", Kind: domain.KindDecimal, Width: 0.8},
		},
		Query: domain.Query{
			Select: []string{"s.name", "c.code", "a.title", "a.due_date", "sb.submitted_at", hoursLate},
			From: "submissions sb JOIN assignments a ON a.id = sb.assignment_id " +
				"JOIN courses c ON c.id = a.course_id JOIN students s ON s.id = sb.student_id",
			Where:   where,
			OrderBy: []string{hoursLate + " DESC", "sb.id ASC"},
		},
		Numbered: true,
	}, nil
}
