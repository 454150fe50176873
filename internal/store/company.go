package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertCompany creates or updates a tenant record.
func (db *DB) UpsertCompany(c *Company) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO companies (id, name, phone_slots, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone_slots = excluded.phone_slots`,
		c.ID, c.Name, c.PhoneSlots, now)
	return err
}

// GetCompany loads one tenant.
func (db *DB) GetCompany(id string) (*Company, error) {
	var c Company
	err := db.QueryRow(`SELECT id, name, phone_slots, created_at FROM companies WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.PhoneSlots, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCompanies returns all tenants.
func (db *DB) ListCompanies() ([]*Company, error) {
	rows, err := db.Query(`SELECT id, name, phone_slots, created_at FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var companies []*Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.Name, &c.PhoneSlots, &c.CreatedAt); err != nil {
			return nil, err
		}
		companies = append(companies, &c)
	}
	return companies, rows.Err()
}
