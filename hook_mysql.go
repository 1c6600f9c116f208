package proxsmtp

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
)

const (
	mysqlLogQuery     string = "insert into logs (id, connection_id, occurred_at, level, message) values (?, ?, ?, ?, ?)"
	mysqlVerdictQuery string = "insert into verdicts (connection_id, occurred_at, mail_from, mail_to, status, elapsed_ms) values (?, ?, ?, ?, ?, ?)"
)

// MySQLHook persists every LogEvent/VerdictEvent through go-sql-driver/mysql.
type MySQLHook struct {
	pool *sql.DB
}

func (h *MySQLHook) Name() string {
	return "mysql"
}

func (h *MySQLHook) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	dsn := os.Getenv("DSN")
	if len(dsn) == 0 {
		return nil, fmt.Errorf("missing dsn for mysql, please set `DSN`")
	}

	pool, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	h.pool = pool
	return h.pool, nil
}

func (h *MySQLHook) AfterInit() error {
	_, err := h.conn()
	return err
}

func (h *MySQLHook) AfterLog(e *LogEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(mysqlLogQuery, GenID().String(), e.ConnID, e.OccurredAt.Format(TimeFormat), e.Level.String(), e.Message)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *MySQLHook) AfterVerdict(e *VerdictEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(mysqlVerdictQuery, e.ConnID, e.OccurredAt.Format(TimeFormat), e.MailFrom, e.MailTo, e.Status, e.Elapsed.Milliseconds())
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}
