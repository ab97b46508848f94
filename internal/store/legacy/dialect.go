package legacy

import (
	"fmt"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the engines the legacy POS
// schema has been seen on. Table and column names are the POS vendor's.
type Dialect struct {
	Name        string
	DriverName  string
	schema      string
	tableHint   string
	useTop      bool
	placeholder func(n int) string
	occurredAt  string
	dateOf      func(expr string) string
	timeParam   func(expr string) string
	bindTime    func(t time.Time) any
}

var SQLServer = Dialect{
	Name:        "sqlserver",
	DriverName:  "sqlserver",
	schema:      "dbo.",
	tableHint:   " WITH (NOLOCK)",
	useTop:      true,
	placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
	occurredAt: "(CASE WHEN s.time IS NULL THEN s.Date " +
		"ELSE DATEADD(SECOND, DATEDIFF(SECOND, 0, CAST(s.time AS time)), CAST(CAST(s.Date AS date) AS datetime)) END)",
	dateOf:    func(expr string) string { return "CAST(" + expr + " AS date)" },
	timeParam: func(expr string) string { return expr },
	bindTime:  wallClock,
}

var Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "pgx",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	occurredAt:  "(CASE WHEN s.time IS NULL THEN s.date ELSE date_trunc('day', s.date) + CAST(s.time AS time) END)",
	dateOf:      func(expr string) string { return "CAST(" + expr + " AS date)" },
	timeParam:   func(expr string) string { return expr },
	bindTime:    wallClock,
}

var SQLite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite3",
	placeholder: func(int) string { return "?" },
	occurredAt:  "datetime(CASE WHEN s.time IS NULL THEN s.date ELSE date(s.date) || ' ' || time(s.time) END)",
	dateOf:      func(expr string) string { return "date(" + expr + ")" },
	timeParam:   func(expr string) string { return "datetime(" + expr + ")" },
	bindTime:    func(t time.Time) any { return t.Format("2006-01-02 15:04:05") },
}

// wallClock drops the zone so the engine compares against naive sale timestamps.
func wallClock(t time.Time) any {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// DialectByName resolves the LEGACY_DRIVER setting.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlserver", "mssql":
		return SQLServer, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported legacy driver %q", name)
	}
}

func (d Dialect) table(name string, alias string) string {
	ref := d.schema + name
	if alias != "" {
		ref += " " + alias
	}
	return ref + d.tableHint
}

func (d Dialect) target(name string) string {
	return d.schema + name
}

// args accumulates positional arguments and hands back the matching placeholder.
type args struct {
	dialect Dialect
	values  []any
}

func (a *args) add(val any) string {
	a.values = append(a.values, val)
	return a.dialect.placeholder(len(a.values))
}

func (a *args) addList(vals []any) string {
	marks := make([]string, 0, len(vals))
	for _, val := range vals {
		marks = append(marks, a.add(val))
	}
	return strings.Join(marks, ",")
}
