package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// CreateScheduledMessage persists a new campaign.
func (db *DB) CreateScheduledMessage(msg *ScheduledMessage) error {
	items, err := json.Marshal(msg.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO scheduled_messages
			(company_id, message_id, phone_index, status, scheduled_time,
			 batch_quantity, repeat_interval, repeat_unit, infinite_loop,
			 items, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.CompanyID, msg.MessageID, msg.PhoneIndex, msg.Status, msg.ScheduledTime,
		msg.BatchQuantity, msg.RepeatInterval, msg.RepeatUnit, msg.InfiniteLoop,
		string(items), now, now)
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

// GetScheduledMessage loads one campaign by id.
func (db *DB) GetScheduledMessage(companyID, messageID string) (*ScheduledMessage, error) {
	row := db.QueryRow(`
		SELECT company_id, message_id, phone_index, status, scheduled_time,
		       batch_quantity, repeat_interval, repeat_unit, infinite_loop,
		       items, last_error, created_at, updated_at
		FROM scheduled_messages WHERE company_id = ? AND message_id = ?`,
		companyID, messageID)
	return scanScheduledMessage(row)
}

// ListScheduledMessages returns campaigns for a company with the given status.
func (db *DB) ListScheduledMessages(companyID, status string) ([]*ScheduledMessage, error) {
	rows, err := db.Query(`
		SELECT company_id, message_id, phone_index, status, scheduled_time,
		       batch_quantity, repeat_interval, repeat_unit, infinite_loop,
		       items, last_error, created_at, updated_at
		FROM scheduled_messages
		WHERE company_id = ? AND status = ?
		ORDER BY scheduled_time ASC`,
		companyID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*ScheduledMessage
	for rows.Next() {
		msg, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// UpdateScheduledMessageStatus sets the campaign status and optional error detail.
func (db *DB) UpdateScheduledMessageStatus(companyID, messageID, status, lastError string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE scheduled_messages SET status = ?, last_error = ?, updated_at = ?
		WHERE company_id = ? AND message_id = ?`,
		status, lastError, now, companyID, messageID)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceScheduledMessage rewrites a campaign definition in place, keeping its id.
func (db *DB) ReplaceScheduledMessage(msg *ScheduledMessage) error {
	items, err := json.Marshal(msg.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE scheduled_messages SET
			phone_index = ?, status = ?, scheduled_time = ?, batch_quantity = ?,
			repeat_interval = ?, repeat_unit = ?, infinite_loop = ?, items = ?,
			last_error = '', updated_at = ?
		WHERE company_id = ? AND message_id = ?`,
		msg.PhoneIndex, msg.Status, msg.ScheduledTime, msg.BatchQuantity,
		msg.RepeatInterval, msg.RepeatUnit, msg.InfiniteLoop, string(items),
		now, msg.CompanyID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("replace message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduledMessage removes a campaign and all its batches.
func (db *DB) DeleteScheduledMessage(companyID, messageID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM batches WHERE company_id = ? AND message_id = ?`,
		companyID, messageID); err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scheduled_messages WHERE company_id = ? AND message_id = ?`,
		companyID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledMessage(row rowScanner) (*ScheduledMessage, error) {
	var msg ScheduledMessage
	var items string
	err := row.Scan(&msg.CompanyID, &msg.MessageID, &msg.PhoneIndex, &msg.Status,
		&msg.ScheduledTime, &msg.BatchQuantity, &msg.RepeatInterval, &msg.RepeatUnit,
		&msg.InfiniteLoop, &items, &msg.LastError, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &msg.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &msg, nil
}
