package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO tenants (id, name) VALUES ('default', 'Default')`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			roles TEXT NOT NULL DEFAULT '[]',
			tag_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			drives TEXT NOT NULL DEFAULT '[]',
			tag_ids TEXT NOT NULL DEFAULT '[]',
			connection_id TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			public_ip TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_tenant_id ON devices(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_id ON audit_events(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tenants ---

func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)",
		tenant.ID, tenant.Name, tenant.CreatedAt)
	return err
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM tenants WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	roles, err := encodeStrings(user.Roles)
	if err != nil {
		return err
	}
	tags, err := encodeStrings(user.TagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, tenant_id, external_id, username, password_hash, roles, tag_ids, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.TenantID, user.ExternalID, user.Username, user.PasswordHash, roles, tags, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roles, tags string
	err := row.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Username, &u.PasswordHash, &roles, &tags, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.Roles, err = decodeStrings(roles); err != nil {
		return nil, err
	}
	if u.TagIDs, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, tenantID, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles, tag_ids, created_at FROM users WHERE tenant_id = ? AND username = ?",
		tenantID, username))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles, tag_ids, created_at FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles, tag_ids, created_at FROM users WHERE external_id = ?",
		externalID))
}

func (s *SQLiteStore) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant_id, external_id, username, roles, tag_ids, created_at FROM users WHERE tenant_id = ? ORDER BY created_at",
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var roles, tags string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Username, &roles, &tags, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.Roles, err = decodeStrings(roles); err != nil {
			return nil, err
		}
		if u.TagIDs, err = decodeStrings(tags); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUserGrants(ctx context.Context, id string, roles, tagIDs []string) error {
	rolesJSON, err := encodeStrings(roles)
	if err != nil {
		return err
	}
	tagsJSON, err := encodeStrings(tagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE users SET roles = ?, tag_ids = ? WHERE id = ?",
		rolesJSON, tagsJSON, id,
	)
	return err
}

// --- Devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *Device) error {
	tags, err := encodeStrings(device.TagIDs)
	if err != nil {
		return err
	}
	drives := device.Drives
	if drives == "" {
		drives = "[]"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, name, hostname, os, arch, agent_version, drives, tag_ids, connection_id, online, last_seen, public_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, hostname=excluded.hostname, os=excluded.os,
		   arch=excluded.arch, agent_version=excluded.agent_version,
		   drives=excluded.drives, connection_id=excluded.connection_id,
		   online=excluded.online, last_seen=excluded.last_seen,
		   public_ip=excluded.public_ip`,
		device.ID, device.TenantID, device.Name, device.Hostname, device.OS, device.Arch,
		device.AgentVersion, drives, tags, device.ConnectionID, device.Online,
		device.LastSeen, device.PublicIP, device.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var tags string
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Hostname, &d.OS, &d.Arch, &d.AgentVersion,
		&d.Drives, &tags, &d.ConnectionID, &d.Online, &d.LastSeen, &d.PublicIP, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.TagIDs, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, hostname, os, arch, agent_version, drives, tag_ids, connection_id, online, last_seen, public_ip, created_at
		 FROM devices WHERE id = ?`, id))
}

func (s *SQLiteStore) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, hostname, os, arch, agent_version, drives, tag_ids, connection_id, online, last_seen, public_ip, created_at
		 FROM devices WHERE tenant_id = ? ORDER BY name`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var tags string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Hostname, &d.OS, &d.Arch, &d.AgentVersion,
			&d.Drives, &tags, &d.ConnectionID, &d.Online, &d.LastSeen, &d.PublicIP, &d.CreatedAt); err != nil {
			return nil, err
		}
		if d.TagIDs, err = decodeStrings(tags); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) SetDeviceTags(ctx context.Context, id string, tagIDs []string) error {
	tags, err := encodeStrings(tagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE devices SET tag_ids = ? WHERE id = ?", tags, id)
	return err
}

func (s *SQLiteStore) MarkDeviceOffline(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET connection_id = '', online = 0, last_seen = ? WHERE id = ?",
		when, id,
	)
	return err
}

func (s *SQLiteStore) MarkAllDevicesOffline(ctx context.Context, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET connection_id = '', online = 0, last_seen = ? WHERE online = 1",
		when,
	)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, action, user_id, device_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.Action, event.UserID, event.DeviceID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, tenantID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, action, user_id, device_id, detail, created_at
		 FROM audit_events WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.UserID, &e.DeviceID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
