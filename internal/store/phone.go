package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertPhoneStatus persists a channel lifecycle transition.
func (db *DB) UpsertPhoneStatus(s *PhoneStatus) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO phone_status (company_id, phone_index, state, detail, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(company_id, phone_index) DO UPDATE SET
			state = excluded.state,
			detail = excluded.detail,
			updated_at = excluded.updated_at`,
		s.CompanyID, s.PhoneIndex, s.State, s.Detail, now)
	return err
}

// GetPhoneStatus returns the last persisted state of a channel.
func (db *DB) GetPhoneStatus(companyID string, phoneIndex int) (*PhoneStatus, error) {
	var s PhoneStatus
	err := db.QueryRow(`
		SELECT company_id, phone_index, state, detail, updated_at
		FROM phone_status WHERE company_id = ? AND phone_index = ?`,
		companyID, phoneIndex).
		Scan(&s.CompanyID, &s.PhoneIndex, &s.State, &s.Detail, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
