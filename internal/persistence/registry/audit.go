package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chamberkeep.ai/internal/chamber"
)

// WriteAudit queues e for the writer goroutine. Entries are dropped when the queue is
// full; the JSONL audit log remains the source of truth.
func (s *Store) WriteAudit(e chamber.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *Store) loop() {
	ctx := context.Background()
	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(at,region,cycle_id,event,state,details_json) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil || insertAudit == nil {
				s.dropped.Add(1)
				continue
			}
			details := []byte("{}")
			if len(e.Details) > 0 {
				if b, err := json.Marshal(e.Details); err == nil {
					details = b
				}
			}
			if _, err := tx.Stmt(insertAudit).Exec(e.At, e.Region, e.CycleID, e.Event, e.State, string(details)); err != nil {
				s.dropped.Add(1)
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}

// Audits returns committed audit entries for region in write order, newest last.
// An empty region lists every region.
func (s *Store) Audits(ctx context.Context, region string, limit int) ([]chamber.AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at,region,cycle_id,event,state,details_json FROM (
		SELECT seq,at,region,cycle_id,event,state,details_json FROM audits
		WHERE (?='' OR region=?) ORDER BY seq DESC LIMIT ?) ORDER BY seq`, region, region, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chamber.AuditEntry
	for rows.Next() {
		var (
			e       chamber.AuditEntry
			details string
		)
		if err := rows.Scan(&e.At, &e.Region, &e.CycleID, &e.Event, &e.State, &details); err != nil {
			return nil, err
		}
		if details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
