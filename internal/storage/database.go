package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Operator accounts, one device each
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		device_id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	-- Relay channels on an account's dashboard
	CREATE TABLE IF NOT EXISTS relays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		channel INTEGER NOT NULL CHECK (channel >= 0),
		name TEXT NOT NULL,
		image TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		UNIQUE(account_id, channel)
	);

	-- Activation windows; list order is insertion order (id)
	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT UNIQUE NOT NULL,
		relay_id INTEGER NOT NULL,
		days TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (relay_id) REFERENCES relays(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_relay ON schedules(relay_id);

	-- Device telemetry history
	CREATE TABLE IF NOT EXISTS device_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		ip TEXT,
		rssi INTEGER,
		uptime INTEGER,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_device_status_device ON device_status(device_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_device_status_timestamp ON device_status(timestamp);

	-- Per-relay state inside a status record
	CREATE TABLE IF NOT EXISTS device_status_relays (
		status_id INTEGER NOT NULL,
		relay_index INTEGER NOT NULL,
		state INTEGER NOT NULL DEFAULT 0,
		name TEXT,
		timer INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (status_id, relay_index),
		FOREIGN KEY (status_id) REFERENCES device_status(id) ON DELETE CASCADE
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// --- Account Operations ---

// CreateAccount inserts a new account with an empty dashboard
func (db *DB) CreateAccount(a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()

	result, err := db.conn.Exec(`INSERT INTO accounts (username, password_hash, device_id, created_at)
		VALUES (?, ?, ?, ?)`, a.Username, a.PasswordHash, a.DeviceID, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}

	a.ID, err = result.LastInsertId()
	a.Dashboard = Dashboard{Relays: []*Relay{}}
	return err
}

// FindAccountByUsernameOrDevice returns the account whose username (case-insensitive)
// or device ID matches
func (db *DB) FindAccountByUsernameOrDevice(username, deviceID string) (*Account, error) {
	row := db.conn.QueryRow(`SELECT id, username, password_hash, device_id, created_at
		FROM accounts WHERE username = ? COLLATE NOCASE OR device_id = ?
		ORDER BY id LIMIT 1`, username, deviceID)
	return db.accountWithDashboard(row)
}

// GetAccountByUsername retrieves an account and its dashboard by username
func (db *DB) GetAccountByUsername(username string) (*Account, error) {
	row := db.conn.QueryRow(`SELECT id, username, password_hash, device_id, created_at
		FROM accounts WHERE username = ? COLLATE NOCASE`, username)
	return db.accountWithDashboard(row)
}

// GetAccount retrieves an account and its dashboard by ID
func (db *DB) GetAccount(id int64) (*Account, error) {
	row := db.conn.QueryRow(`SELECT id, username, password_hash, device_id, created_at
		FROM accounts WHERE id = ?`, id)
	return db.accountWithDashboard(row)
}

func (db *DB) accountWithDashboard(row *sql.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.DeviceID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	relays, err := db.loadRelays("WHERE r.account_id = ?", a.ID)
	if err != nil {
		return nil, err
	}
	a.Dashboard.Relays = relays[a.ID]
	if a.Dashboard.Relays == nil {
		a.Dashboard.Relays = []*Relay{}
	}
	return a, nil
}

// UpdatePasswordHash overwrites only the password hash of an account
func (db *DB) UpdatePasswordHash(id int64, hash string) error {
	result, err := db.conn.Exec("UPDATE accounts SET password_hash = ? WHERE id = ?", hash, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccounts retrieves every account with its full dashboard
func (db *DB) ListAccounts() ([]*Account, error) {
	rows, err := db.conn.Query(`SELECT id, username, password_hash, device_id, created_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a := &Account{}
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.DeviceID, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relays, err := db.loadRelays("")
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		a.Dashboard.Relays = relays[a.ID]
		if a.Dashboard.Relays == nil {
			a.Dashboard.Relays = []*Relay{}
		}
	}
	return accounts, nil
}

// --- Relay Operations ---

// loadRelays loads relays and their schedules, grouped by account ID
func (db *DB) loadRelays(where string, args ...interface{}) (map[int64][]*Relay, error) {
	rows, err := db.conn.Query(`SELECT r.id, r.account_id, r.channel, r.name, r.image, r.enabled, r.created_at
		FROM relays r `+where+` ORDER BY r.account_id, r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byAccount := make(map[int64][]*Relay)
	byID := make(map[int64]*Relay)
	for rows.Next() {
		r := &Relay{Schedules: []*Schedule{}}
		var accountID int64
		var image sql.NullString
		if err := rows.Scan(&r.ID, &accountID, &r.Channel, &r.Name, &image, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Image = image.String
		byAccount[accountID] = append(byAccount[accountID], r)
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := db.conn.Query(`SELECT s.uid, s.relay_id, s.days, s.start_time, s.end_time, s.enabled
		FROM schedules s JOIN relays r ON r.id = s.relay_id `+where+` ORDER BY s.relay_id, s.id`, args...)
	if err != nil {
		return nil, err
	}
	defer srows.Close()

	for srows.Next() {
		s := &Schedule{}
		var relayID int64
		var days string
		if err := srows.Scan(&s.ID, &relayID, &days, &s.Start, &s.End, &s.Enabled); err != nil {
			return nil, err
		}
		s.Days, err = decodeDays(days)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		if r, ok := byID[relayID]; ok {
			s.Position = len(r.Schedules)
			r.Schedules = append(r.Schedules, s)
		}
	}
	return byAccount, srows.Err()
}

// UpsertRelay updates the relay on r.Channel in place, or appends it when the
// channel is not configured yet. The stored relay is written back into r.
func (db *DB) UpsertRelay(accountID int64, r *Relay) error {
	query := `INSERT INTO relays (account_id, channel, name, image, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, channel) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			enabled = excluded.enabled`
	_, err := db.conn.Exec(query, accountID, r.Channel, r.Name, r.Image, r.Enabled, time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}

	stored, err := db.GetRelay(accountID, r.Channel)
	if err != nil {
		return err
	}
	*r = *stored
	return nil
}

// GetRelay retrieves one relay with its schedules
func (db *DB) GetRelay(accountID int64, channel int) (*Relay, error) {
	relays, err := db.loadRelays("WHERE r.account_id = ? AND r.channel = ?", accountID, channel)
	if err != nil {
		return nil, err
	}
	if len(relays[accountID]) == 0 {
		return nil, ErrNotFound
	}
	return relays[accountID][0], nil
}

func (db *DB) relayID(accountID int64, channel int) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM relays WHERE account_id = ? AND channel = ?",
		accountID, channel).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// --- Schedule Operations ---

// AddSchedule appends a schedule to a relay and assigns it a stable ID
func (db *DB) AddSchedule(accountID int64, channel int, s *Schedule) error {
	relayID, err := db.relayID(accountID, channel)
	if err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	_, err = db.conn.Exec(`INSERT INTO schedules (uid, relay_id, days, start_time, end_time, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`, s.ID, relayID, encodeDays(s.Days), s.Start, s.End, s.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetSchedule retrieves a schedule by its ID
func (db *DB) GetSchedule(accountID int64, channel int, scheduleID string) (*Schedule, error) {
	relay, err := db.GetRelay(accountID, channel)
	if err != nil {
		return nil, err
	}
	for _, s := range relay.Schedules {
		if s.ID == scheduleID {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteSchedule removes a schedule by its stable ID
func (db *DB) DeleteSchedule(accountID int64, channel int, scheduleID string) error {
	relayID, err := db.relayID(accountID, channel)
	if err != nil {
		return err
	}

	result, err := db.conn.Exec("DELETE FROM schedules WHERE relay_id = ? AND uid = ?", relayID, scheduleID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduleAt removes the schedule at position in the relay's current list.
// The lookup and delete run in one transaction.
func (db *DB) DeleteScheduleAt(accountID int64, channel int, position int) error {
	if position < 0 {
		return ErrNotFound
	}
	relayID, err := db.relayID(accountID, channel)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow("SELECT id FROM schedules WHERE relay_id = ? ORDER BY id LIMIT 1 OFFSET ?",
		relayID, position).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM schedules WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) ([]int, error) {
	days := []int{}
	if s == "" {
		return days, nil
	}
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		days = append(days, d)
	}
	return days, nil
}

// --- Device Status Operations ---

// InsertDeviceStatus appends a full status snapshot
func (db *DB) InsertDeviceStatus(st *DeviceStatus) (int64, error) {
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	st.Timestamp = st.Timestamp.UTC()

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO device_status (device_id, ip, rssi, uptime, timestamp)
		VALUES (?, ?, ?, ?, ?)`, st.DeviceID, st.IP, st.RSSI, st.Uptime, st.Timestamp)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, r := range st.Relays {
		_, err := tx.Exec(`INSERT INTO device_status_relays (status_id, relay_index, state, name, timer)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(status_id, relay_index) DO UPDATE SET
				state = excluded.state, name = excluded.name, timer = excluded.timer`,
			id, r.Index, r.State, r.Name, r.Timer)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	st.ID = id
	return id, nil
}

// UpsertRelayState sets the state and timer of one relay in the most recent status
// record of the device, creating that record if the device has none
func (db *DB) UpsertRelayState(deviceID string, rs RelayState, at time.Time) error {
	at = at.UTC()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var statusID int64
	err = tx.QueryRow(`SELECT id FROM device_status WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, deviceID).Scan(&statusID)
	switch {
	case err == sql.ErrNoRows:
		result, err := tx.Exec("INSERT INTO device_status (device_id, timestamp) VALUES (?, ?)", deviceID, at)
		if err != nil {
			return err
		}
		if statusID, err = result.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec("UPDATE device_status SET timestamp = ? WHERE id = ?", at, statusID); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`INSERT INTO device_status_relays (status_id, relay_index, state, timer)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(status_id, relay_index) DO UPDATE SET
			state = excluded.state, timer = excluded.timer`,
		statusID, rs.Index, rs.State, rs.Timer)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// LatestDeviceStatus retrieves the most recent status record of a device
func (db *DB) LatestDeviceStatus(deviceID string) (*DeviceStatus, error) {
	st := &DeviceStatus{}
	var ip sql.NullString
	var rssi, uptime sql.NullInt64
	err := db.conn.QueryRow(`SELECT id, device_id, ip, rssi, uptime, timestamp
		FROM device_status WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, deviceID).Scan(
		&st.ID, &st.DeviceID, &ip, &rssi, &uptime, &st.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.IP = ip.String
	st.RSSI = int(rssi.Int64)
	st.Uptime = uptime.Int64

	rows, err := db.conn.Query(`SELECT relay_index, state, name, timer
		FROM device_status_relays WHERE status_id = ? ORDER BY relay_index`, st.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st.Relays = []RelayState{}
	for rows.Next() {
		var r RelayState
		var name sql.NullString
		if err := rows.Scan(&r.Index, &r.State, &name, &r.Timer); err != nil {
			return nil, err
		}
		r.Name = name.String
		st.Relays = append(st.Relays, r)
	}
	return st, rows.Err()
}

// PurgeDeviceStatus deletes status records older than cutoff and returns the count
func (db *DB) PurgeDeviceStatus(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM device_status WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
