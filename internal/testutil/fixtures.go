package testutil

import (
	"database/sql"
	"fmt"
	"testing"
	"time"
)

// Seeder inserts reporting fixtures into a migrated database.
type Seeder struct {
	t  *testing.T
	db *sql.DB
}

// NewSeeder wraps db for fixture inserts. Failures abort the test.
func NewSeeder(t *testing.T, db *sql.DB) *Seeder {
	t.Helper()
	return &Seeder{t: t, db: db}
}

func (s *Seeder) exec(query string, args ...any) {
	s.t.Helper()
	if _, err := s.db.Exec(query, args...); err != nil {
		s.t.Fatalf("seed %q: %v", query, err)
	}
}

// Region inserts a region.
func (s *Seeder) Region(id int64, name string) {
	s.t.Helper()
	s.exec(`INSERT INTO regions (id, name, country) VALUES (?, ?, 'NL')`, id, name)
}

// Customer inserts a customer in region.
func (s *Seeder) Customer(id int64, name string, region int64) {
	s.t.Helper()
	s.exec(`INSERT INTO customers (id, name, email, region_id) VALUES (?, ?, ?, ?)`,
		id, name, fmt.Sprintf("customer%d@example.com", id), region)
}

// Orders inserts n completed orders for customer, one minute apart from start.
// Order numbers are ORD-<customer>-<i> so tests can assert on row identity.
func (s *Seeder) Orders(n int, customer, region int64, start time.Time) {
	s.t.Helper()
	tx, err := s.db.Begin()
	if err != nil {
		s.t.Fatalf("seed orders: %v", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO orders
		(order_number, customer_id, region_id, status, payment_method, total_amount, tax, shipping_cost, order_date)
		VALUES (?, ?, ?, 'completed', 'credit_card', ?, ?, 4.95, ?)`)
	if err != nil {
		_ = tx.Rollback()
		s.t.Fatalf("seed orders: %v", err)
	}
	for i := 0; i < n; i++ {
		amount := float64(10 + i%90)
		at := start.Add(time.Duration(i) * time.Minute).UTC()
		if _, err := stmt.Exec(fmt.Sprintf("ORD-%d-%05d", customer, i), customer, region, amount, amount*0.21, at); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.t.Fatalf("seed order %d: %v", i, err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		s.t.Fatalf("seed orders commit: %v", err)
	}
}

// Student inserts a student.
func (s *Seeder) Student(id int64, name string) {
	s.t.Helper()
	s.exec(`INSERT INTO students (id, name, email, program) VALUES (?, ?, ?, 'BSc')`,
		id, name, fmt.Sprintf("student%d@example.edu", id))
}

// Course inserts a course.
func (s *Seeder) Course(id int64, code string) {
	s.t.Helper()
	s.exec(`INSERT INTO courses (id, code, title, term_id) VALUES (?, ?, ?, 1)`, id, code, code+" title")
}

// Event inserts a course event for student at the given time.
func (s *Seeder) Event(student, course int64, at time.Time) {
	s.t.Helper()
	s.exec(`INSERT INTO course_events (student_id, course_id, event_type, duration_seconds, occurred_at)
		VALUES (?, ?, 'view', 120, ?)`, student, course, at.UTC())
}
