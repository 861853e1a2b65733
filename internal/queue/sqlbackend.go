package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// SQLBackend persists jobs in a single table, for deployments that would
// rather lean on an existing MariaDB or PostgreSQL instance than a local
// directory of files. The table is driver-agnostic; only the placeholder
// syntax differs (`?` for mysql, `$n` for postgres).
//
//	CREATE TABLE queue_jobs (
//	    id          VARCHAR(64) PRIMARY KEY,
//	    from_addr   TEXT NOT NULL,
//	    recipients  TEXT NOT NULL, -- JSON-encoded []JobRecipient
//	    data        BLOB NOT NULL,
//	    created_at  TIMESTAMP NOT NULL,
//	    ready_at    TIMESTAMP NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    claimed     BOOLEAN NOT NULL DEFAULT FALSE
//	);
type SQLBackend struct {
	db     *sql.DB
	driver string // "mysql" or "postgres"; selects placeholder style.
}

// OpenSQLBackend opens (and pings) a SQL-backed queue. driver is "mysql"
// or "postgres"; dsn is the driver-specific connection string.
func OpenSQLBackend(driver, dsn string) (*SQLBackend, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLBackend{db: db, driver: driver}, nil
}

func (s *SQLBackend) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLBackend) Close() error { return s.db.Close() }

func (s *SQLBackend) Enqueue(job *Job) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO queue_jobs
		(id, from_addr, recipients, data, created_at, ready_at, attempts, claimed)
		VALUES (%s, %s, %s, %s, %s, %s, %s, FALSE)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.Exec(q, job.ID, job.From, string(recipients), job.Data,
		job.CreatedAt, job.ReadyAt, job.Attempts)
	return err
}

func (s *SQLBackend) DequeueReady(limit int) ([]*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT id, from_addr, recipients, data, created_at, ready_at, attempts
		FROM queue_jobs WHERE claimed = FALSE AND ready_at <= %s ORDER BY ready_at LIMIT %s`,
		s.ph(1), s.ph(2))
	rows, err := tx.Query(q, time.Now(), limit)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	var ids []interface{}
	for rows.Next() {
		var job Job
		var recipients string
		if err := rows.Scan(&job.ID, &job.From, &recipients, &job.Data,
			&job.CreatedAt, &job.ReadyAt, &job.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &job.Recipients); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, &job)
		ids = append(ids, job.ID)
	}
	rows.Close()

	for _, id := range ids {
		claimQ := fmt.Sprintf(`UPDATE queue_jobs SET claimed = TRUE WHERE id = %s`, s.ph(1))
		if _, err := tx.Exec(claimQ, id); err != nil {
			return nil, err
		}
	}

	return jobs, tx.Commit()
}

func (s *SQLBackend) Ack(id string) error {
	q := fmt.Sprintf(`DELETE FROM queue_jobs WHERE id = %s`, s.ph(1))
	_, err := s.db.Exec(q, id)
	return err
}

func (s *SQLBackend) Reschedule(id string, readyAt time.Time) error {
	q := fmt.Sprintf(`UPDATE queue_jobs SET ready_at = %s, attempts = attempts + 1, claimed = FALSE
		WHERE id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.Exec(q, readyAt, id)
	return err
}

func (s *SQLBackend) Update(job *Job) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE queue_jobs SET recipients = %s WHERE id = %s`, s.ph(1), s.ph(2))
	_, err = s.db.Exec(q, string(recipients), job.ID)
	return err
}

func (s *SQLBackend) Len() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_jobs`).Scan(&n)
	return n, err
}
