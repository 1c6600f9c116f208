package proxsmtp

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

const (
	sqliteLogQuery     string = "insert into logs (id, connection_id, occurred_at, level, message) values ($1, $2, $3, $4, $5)"
	sqliteVerdictQuery string = "insert into verdicts (connection_id, occurred_at, mail_from, mail_to, status, elapsed_ms) values ($1, $2, $3, $4, $5, $6)"

	sqliteLogCreateTable string = `
	create table if not exists logs (
    id text primary key,
    connection_id text,
    level text,
    message text,
    occurred_at datetime default CURRENT_TIMESTAMP
	)`
	sqliteVerdictCreateTable string = `
	create table if not exists verdicts (
    connection_id text primary key,
    mail_from text,
    mail_to text,
    status text,
    elapsed_ms integer,
    occurred_at datetime default CURRENT_TIMESTAMP
	)`
)

// SQLiteHook persists every LogEvent/VerdictEvent through modernc.org/sqlite,
// a pure-Go driver that avoids the cgo dependency a mattn/go-sqlite3-backed
// sink would pull in, registered under the driver name "sqlite" rather than
// "sqlite3" (see DESIGN.md).
type SQLiteHook struct {
	pool *sql.DB
}

func (h *SQLiteHook) Name() string {
	return "sqlite"
}

func (h *SQLiteHook) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	dsn := os.Getenv("DSN")
	if len(dsn) == 0 {
		return nil, fmt.Errorf("missing dsn for sqlite, please set `DSN`")
	}

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	h.pool = pool
	return h.pool, nil
}

func (h *SQLiteHook) AfterInit() error {
	conn, err := h.conn()
	if err != nil {
		return err
	}
	if _, err := conn.Exec(sqliteLogCreateTable); err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	if _, err := conn.Exec(sqliteVerdictCreateTable); err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	return nil
}

func (h *SQLiteHook) AfterLog(e *LogEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(sqliteLogQuery, GenID().String(), e.ConnID, e.OccurredAt.Format(TimeFormat), e.Level.String(), e.Message)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *SQLiteHook) AfterVerdict(e *VerdictEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(sqliteVerdictQuery, e.ConnID, e.OccurredAt.Format(TimeFormat), e.MailFrom, e.MailTo, e.Status, e.Elapsed.Milliseconds())
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}
