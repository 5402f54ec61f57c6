package planner

import "fmt"

// Dialect supplies the date and interval expressions that differ between the
// analytics engines the row source can run on.
type Dialect interface {
	Name() string
	// Day truncates a timestamp expression to its calendar date.
	Day(expr string) string
	// Month formats a timestamp expression as YYYY-MM.
	Month(expr string) string
	// HoursBetween returns (to - from) in hours, one decimal place.
	HoursBetween(from, to string) string
	// DaysBefore returns whole days from expr to a bound reference time
	// passed as the single placeholder argument.
	DaysBefore(expr string) string
}

// Built-in dialects.
var (
	SQLite Dialect = sqliteDialect{}
	DuckDB Dialect = duckdbDialect{}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite3":
		return SQLite, nil
	case "duckdb":
		return DuckDB, nil
	}
	return nil, fmt.Errorf("no SQL dialect for driver %q", driver)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string             { return "sqlite3" }
func (sqliteDialect) Day(expr string) string   { return "date(" + expr + ")" }
func (sqliteDialect) Month(expr string) string { return "strftime('%Y-%m', " + expr + ")" }

func (sqliteDialect) HoursBetween(from, to string) string {
	return fmt.Sprintf("ROUND((julianday(%s) - julianday(%s)) * 24, 1)", to, from)
}

func (sqliteDialect) DaysBefore(expr string) string {
	return fmt.Sprintf("CAST(julianday(?) - julianday(%s) AS INTEGER)", expr)
}

type duckdbDialect struct{}

func (duckdbDialect) Name() string           { return "duckdb" }
func (duckdbDialect) Day(expr string) string { return "CAST(" + expr + " AS DATE)" }
func (duckdbDialect) Month(expr string) string {
	return "strftime(date_trunc('month', " + expr + "), '%Y-%m')"
}

func (duckdbDialect) HoursBetween(from, to string) string {
	return fmt.Sprintf("ROUND(date_diff('second', %s, %s) / 3600.0, 1)", from, to)
}

func (duckdbDialect) DaysBefore(expr string) string {
	return fmt.Sprintf("date_diff('day', %s, CAST(? AS TIMESTAMP))", expr)
}
