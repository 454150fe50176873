package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertRecipient creates or updates a contact record.
func (db *DB) UpsertRecipient(r *Recipient) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO recipients (company_id, chat_id, name, fields, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(company_id, chat_id) DO UPDATE SET
			name = excluded.name,
			fields = excluded.fields,
			updated_at = excluded.updated_at`,
		r.CompanyID, r.ChatID, r.Name, string(fields), now)
	return err
}

// GetRecipient returns the current contact record for placeholder resolution.
func (db *DB) GetRecipient(companyID, chatID string) (*Recipient, error) {
	var r Recipient
	var fields string
	err := db.QueryRow(`
		SELECT company_id, chat_id, name, fields, updated_at
		FROM recipients WHERE company_id = ? AND chat_id = ?`,
		companyID, chatID).
		Scan(&r.CompanyID, &r.ChatID, &r.Name, &fields, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return &r, nil
}
