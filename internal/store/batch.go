package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertBatch persists one computed batch.
func (db *DB) InsertBatch(b *Batch) error {
	items, err := json.Marshal(b.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO batches
			(company_id, message_id, batch_id, batch_index, status,
			 scheduled_time, items, day_index, item_index, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.CompanyID, b.MessageID, b.BatchID, b.Index, b.Status,
		b.ScheduledTime, string(items), b.DayIndex, b.ItemIndex, now, now)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch loads one batch by id.
func (db *DB) GetBatch(companyID, batchID string) (*Batch, error) {
	row := db.QueryRow(`
		SELECT company_id, message_id, batch_id, batch_index, status,
		       scheduled_time, items, day_index, item_index, last_error,
		       created_at, updated_at
		FROM batches WHERE company_id = ? AND batch_id = ?`,
		companyID, batchID)
	return scanBatch(row)
}

// ListBatches returns all batches of a campaign in index order.
func (db *DB) ListBatches(companyID, messageID string) ([]*Batch, error) {
	rows, err := db.Query(`
		SELECT company_id, message_id, batch_id, batch_index, status,
		       scheduled_time, items, day_index, item_index, last_error,
		       created_at, updated_at
		FROM batches
		WHERE company_id = ? AND message_id = ?
		ORDER BY batch_index ASC`,
		companyID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus sets a batch status and optional error detail.
func (db *DB) UpdateBatchStatus(companyID, batchID, status, lastError string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE batches SET status = ?, last_error = ?, updated_at = ?
		WHERE company_id = ? AND batch_id = ?`,
		status, lastError, now, companyID, batchID)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBatchCursor persists the day-loop cursor so an interrupted loop
// resumes where it left off.
func (db *DB) UpdateBatchCursor(companyID, batchID string, dayIndex, itemIndex int) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE batches SET day_index = ?, item_index = ?, updated_at = ?
		WHERE company_id = ? AND batch_id = ?`,
		dayIndex, itemIndex, now, companyID, batchID)
	if err != nil {
		return fmt.Errorf("update batch cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch removes one batch.
func (db *DB) DeleteBatch(companyID, batchID string) error {
	_, err := db.Exec(`DELETE FROM batches WHERE company_id = ? AND batch_id = ?`,
		companyID, batchID)
	return err
}

// CountBatches returns total and unsent batch counts for a campaign.
// A batch counts as unsent while it is pending.
func (db *DB) CountBatches(companyID, messageID string) (total, pending int, err error) {
	row := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM batches WHERE company_id = ? AND message_id = ?`,
		companyID, messageID)
	if err := row.Scan(&total, &pending); err != nil {
		return 0, 0, err
	}
	return total, pending, nil
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var items string
	err := row.Scan(&b.CompanyID, &b.MessageID, &b.BatchID, &b.Index, &b.Status,
		&b.ScheduledTime, &items, &b.DayIndex, &b.ItemIndex, &b.LastError,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &b.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &b, nil
}
