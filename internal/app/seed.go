package app

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	demoRegions  = []string{"North", "South", "East", "West"}
	demoStatuses = []string{"completed", "completed", "completed", "completed", "pending", "shipped", "failed", "cancelled"}
	demoPayments = []string{"credit_card", "paypal", "bank_transfer", "invoice"}
	demoCategory = []string{"hardware", "software", "services"}
	demoPrograms = []string{"BSc Computing", "BA Economics", "MSc Data Science"}
	demoEvents   = []string{"view", "submit", "quiz", "forum"}
)

// SeedDemo fills an empty reporting schema with deterministic demo data
// covering the 90 days before now. It does nothing when regions exist.
func SeedDemo(ctx context.Context, db *sql.DB, now time.Time) (err error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM regions`).Scan(&n); err != nil {
		return fmt.Errorf("check demo data: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	s := &seeder{ctx: ctx, tx: tx, rng: rand.New(rand.NewPCG(42, 7)), start: now.UTC().AddDate(0, 0, -90)}
	for _, step := range []func() error{s.commerce, s.learning} {
		if err := step(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type seeder struct {
	ctx   context.Context
	tx    *sql.Tx
	rng   *rand.Rand
	start time.Time
}

func (s *seeder) exec(query string, args ...any) (int64, error) {
	res, err := s.tx.ExecContext(s.ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	return res.LastInsertId()
}

func (s *seeder) at(days int) time.Time {
	return s.start.Add(time.Duration(s.rng.IntN(days*24*60)) * time.Minute)
}

func (s *seeder) commerce() error {
	for i, name := range demoRegions {
		if _, err := s.exec(`INSERT INTO regions (id, name, country) VALUES (?, ?, 'NL')`, i+1, name); err != nil {
			return err
		}
	}
	const customers, products, orders = 40, 12, 2000
	for i := 1; i <= customers; i++ {
		if _, err := s.exec(`INSERT INTO customers (id, name, email, account_type, region_id) VALUES (?, ?, ?, ?, ?)`,
			i, fmt.Sprintf("Customer %02d", i), fmt.Sprintf("customer%02d@example.com", i),
			[]string{"standard", "business"}[i%2], 1+i%len(demoRegions)); err != nil {
			return err
		}
	}
	for i := 1; i <= products; i++ {
		if _, err := s.exec(`INSERT INTO products (id, sku, name, category, price) VALUES (?, ?, ?, ?, ?)`,
			i, fmt.Sprintf("SKU-%03d", i), fmt.Sprintf("Product %02d", i),
			demoCategory[i%len(demoCategory)], float64(5+i*7)); err != nil {
			return err
		}
	}

	for i := 1; i <= orders; i++ {
		customer := 1 + s.rng.IntN(customers)
		status := demoStatuses[s.rng.IntN(len(demoStatuses))]
		placed := s.at(90)
		var total float64
		type line struct {
			product, qty int
			price        float64
		}
		lines := make([]line, 1+s.rng.IntN(3))
		for j := range lines {
			p := 1 + s.rng.IntN(products)
			lines[j] = line{product: p, qty: 1 + s.rng.IntN(4), price: float64(5 + p*7)}
			total += float64(lines[j].qty) * lines[j].price
		}
		orderID, err := s.exec(`INSERT INTO orders
			(order_number, customer_id, region_id, status, payment_method, total_amount, tax, shipping_cost, order_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, 4.95, ?)`,
			fmt.Sprintf("ORD-%06d", i), customer, 1+customer%len(demoRegions), status,
			demoPayments[s.rng.IntN(len(demoPayments))], total, total*0.21, placed)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if _, err := s.exec(`INSERT INTO line_items (order_id, product_id, quantity, unit_price, line_total) VALUES (?, ?, ?, ?, ?)`,
				orderID, l.product, l.qty, l.price, float64(l.qty)*l.price); err != nil {
				return err
			}
		}
		if status == "completed" && s.rng.IntN(30) == 0 {
			if _, err := s.exec(`INSERT INTO refunds (order_id, amount, reason, refund_date) VALUES (?, ?, 'damaged', ?)`,
				orderID, total/2, placed.Add(72*time.Hour)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *seeder) learning() error {
	const students, courses = 30, 6
	for i := 1; i <= students; i++ {
		if _, err := s.exec(`INSERT INTO students (id, name, email, program, enrolled_at) VALUES (?, ?, ?, ?, ?)`,
			i, fmt.Sprintf("Student %02d", i), fmt.Sprintf("student%02d@example.edu", i),
			demoPrograms[i%len(demoPrograms)], s.start.AddDate(0, -6, 0)); err != nil {
			return err
		}
	}
	for c := 1; c <= courses; c++ {
		if _, err := s.exec(`INSERT INTO courses (id, code, title, term_id) VALUES (?, ?, ?, ?)`,
			c, fmt.Sprintf("CS%03d", 100+c), fmt.Sprintf("Course %d", c), 1+c%2); err != nil {
			return err
		}
		for a := 1; a <= 2; a++ {
			due := s.start.AddDate(0, 0, 30*a)
			assignment, err := s.exec(`INSERT INTO assignments (course_id, title, due_date) VALUES (?, ?, ?)`,
				c, fmt.Sprintf("Assignment %d", a), due)
			if err != nil {
				return err
			}
			for st := 1; st <= students; st++ {
				if (st+c)%4 == 0 {
					continue
				}
				// Roughly one in five submissions is late.
				offset := time.Duration(s.rng.IntN(96)-80) * time.Hour
				if _, err := s.exec(`INSERT INTO submissions (assignment_id, student_id, submitted_at, score) VALUES (?, ?, ?, ?)`,
					assignment, st, due.Add(offset), float64(50+s.rng.IntN(51))); err != nil {
					return err
				}
			}
		}
	}
	// Students 26..30 go quiet after the first month.
	for st := 1; st <= students; st++ {
		days := 90
		if st > 25 {
			days = 30
		}
		for range 20 + s.rng.IntN(40) {
			if _, err := s.exec(`INSERT INTO course_events (student_id, course_id, event_type, duration_seconds, occurred_at) VALUES (?, ?, ?, ?, ?)`,
				st, 1+s.rng.IntN(courses), demoEvents[s.rng.IntN(len(demoEvents))], 60+s.rng.IntN(1800), s.at(days)); err != nil {
				return err
			}
		}
	}
	return nil
}
