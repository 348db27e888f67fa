package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// AddPackages durably queues inbound packages. Re-queuing an existing
// (address, messageID) key is a no-op; the queue never errors or
// duplicates rows on redelivery.
func (db *DB) AddPackages(packages []Package) error {
	if len(packages) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for i := range packages {
			p := &packages[i]
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO inbound_package_queue (user_id, device_id, message_id, timestamp, payload)
				VALUES (?, ?, ?, ?, ?)`,
				int64(p.ID.Address.UserID), p.ID.Address.DeviceID, p.ID.MessageID, p.Timestamp, p.Payload)
			if err != nil {
				return fmt.Errorf("queue package %s: %w", p.ID.MessageID, err)
			}
		}
		return nil
	})
}

func scanPackageRows(rows *sql.Rows) ([]Package, error) {
	defer func() { _ = rows.Close() }()

	var packages []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID.Address.UserID, &p.ID.Address.DeviceID, &p.ID.MessageID, &p.Timestamp, &p.Payload); err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// QueuedPackages returns every queued inbound package, oldest first.
func (db *DB) QueuedPackages() ([]Package, error) {
	rows, err := db.Query(`
		SELECT user_id, device_id, message_id, timestamp, payload
		FROM inbound_package_queue ORDER BY timestamp, message_id`)
	if err != nil {
		return nil, err
	}
	return scanPackageRows(rows)
}

// QueuedPackagesForUser returns the queued packages from one sender.
func (db *DB) QueuedPackagesForUser(userID UserID) ([]Package, error) {
	rows, err := db.Query(`
		SELECT user_id, device_id, message_id, timestamp, payload
		FROM inbound_package_queue WHERE user_id = ? ORDER BY timestamp, message_id`, int64(userID))
	if err != nil {
		return nil, err
	}
	return scanPackageRows(rows)
}

// QueuedPackagesForUsers returns the queued packages from a set of senders.
func (db *DB) QueuedPackagesForUsers(userIDs []UserID) ([]Package, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = int64(id)
	}
	rows, err := db.Query(`
		SELECT user_id, device_id, message_id, timestamp, payload
		FROM inbound_package_queue WHERE user_id IN (`+placeholders+`) ORDER BY timestamp, message_id`, args...)
	if err != nil {
		return nil, err
	}
	return scanPackageRows(rows)
}

// RemovePackages deletes packages by id after successful processing.
func (db *DB) RemovePackages(ids []PackageID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM inbound_package_queue WHERE user_id = ? AND message_id = ?`,
				int64(id.Address.UserID), id.MessageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemovePackagesForUsers purges all queued packages from a set of
// senders. Blocking a contact runs this so their already-queued
// messages never get processed.
func (db *DB) RemovePackagesForUsers(userIDs []UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for _, id := range userIDs {
			if err := removePackagesForUser(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func removePackagesForUser(q querier, id UserID) error {
	_, err := q.Exec(`DELETE FROM inbound_package_queue WHERE user_id = ?`, int64(id))
	return err
}
