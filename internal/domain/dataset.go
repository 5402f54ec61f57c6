package domain

// ColumnKind tells renderers how to format a value.
type ColumnKind string

// Column kinds.
const (
	KindText      ColumnKind = "text"
	KindInteger   ColumnKind = "integer"
	KindDecimal   ColumnKind = "decimal"
	KindMoney     ColumnKind = "money"
	KindTimestamp ColumnKind = "timestamp"
	KindDate      ColumnKind = "date"
)

// Column describes one output column. Width is relative; renderers scale it.
type Column struct {
	Key    string
	Header string
	Kind   ColumnKind
	Width  float64
}

// Row is one output row, aligned with the descriptor's columns.
type Row []any

// Predicate is a parameterized SQL condition.
type Predicate struct {
	SQL  string
	Args []any
}

// Query is a structured, parameterized SELECT. OrderBy must produce a total
// order (it always ends with a unique key) so windows never overlap.
type Query struct {
	Select     []string
	SelectArgs []any
	From       string
	FromArgs   []any
	Where      []Predicate
	GroupBy    []string
	Having     []Predicate
	OrderBy    []string
	Limit      int // 0 means unbounded
}

// Pin returns a copy of q with an extra equality predicate on column.
func (q Query) Pin(column string, value any) Query {
	out := q
	out.Where = append(append([]Predicate(nil), q.Where...), Predicate{SQL: column + " = ?", Args: []any{value}})
	return out
}

// BookletSpec carries the per-entity part of a plan.
type BookletSpec struct {
	EntityType        string
	Entities          Query  // selects (id, name) in booklet order
	PinColumn         string // base query column pinned to each entity id
	RowsPerPage       int
	TOCEntriesPerPage int
}

// DatasetDescriptor is the planner's output: what to fetch and how to label it.
type DatasetDescriptor struct {
	ReportType ReportType
	Title      string
	Subject    string
	Columns    []Column
	Query      Query
	Booklet    *BookletSpec
	// Numbered asks renderers to prefix each row with its 1-based position
	// in the whole dataset.
	Numbered bool
}

// Entity is one booklet subject.
type Entity struct {
	ID   int64
	Name string
}

// ContentsEntry is one table-of-contents line.
type ContentsEntry struct {
	Title string
	Page  int
}
