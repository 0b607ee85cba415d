package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO tenants (id, name) VALUES ('default', 'Default')
		 ON CONFLICT(id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default' REFERENCES tenants(id),
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			roles JSONB NOT NULL DEFAULT '[]',
			tag_ids JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(tenant_id, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default' REFERENCES tenants(id),
			name TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			drives JSONB NOT NULL DEFAULT '[]',
			tag_ids JSONB NOT NULL DEFAULT '[]',
			connection_id TEXT NOT NULL DEFAULT '',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			public_ip TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)",
		tenant.ID, tenant.Name, tenant.CreatedAt)
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM tenants WHERE id = $1", id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	roles, err := encodeStrings(user.Roles)
	if err != nil {
		return err
	}
	tags, err := encodeStrings(user.TagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, tenant_id, external_id, username, password_hash, roles, tag_ids, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		user.ID, user.TenantID, user.ExternalID, user.Username, user.PasswordHash, roles, tags, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
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

func (s *PostgresStore) GetUser(ctx context.Context, tenantID, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles::text, tag_ids::text, created_at FROM users WHERE tenant_id = $1 AND username = $2",
		tenantID, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles::text, tag_ids::text, created_at FROM users WHERE id = $1", id))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, external_id, username, password_hash, roles::text, tag_ids::text, created_at FROM users WHERE external_id = $1",
		externalID))
}

func (s *PostgresStore) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant_id, external_id, username, roles::text, tag_ids::text, created_at FROM users WHERE tenant_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) UpdateUserGrants(ctx context.Context, id string, roles, tagIDs []string) error {
	rolesJSON, err := encodeStrings(roles)
	if err != nil {
		return err
	}
	tagsJSON, err := encodeStrings(tagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE users SET roles = $1, tag_ids = $2 WHERE id = $3",
		rolesJSON, tagsJSON, id,
	)
	return err
}

// --- Devices ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, device *Device) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
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

func (s *PostgresStore) scanDevice(row *sql.Row) (*Device, error) {
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

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, hostname, os, arch, agent_version, drives::text, tag_ids::text, connection_id, online, last_seen, public_ip, created_at
		 FROM devices WHERE id = $1`, id))
}

func (s *PostgresStore) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, hostname, os, arch, agent_version, drives::text, tag_ids::text, connection_id, online, last_seen, public_ip, created_at
		 FROM devices WHERE tenant_id = $1 ORDER BY name`, tenantID,
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

func (s *PostgresStore) SetDeviceTags(ctx context.Context, id string, tagIDs []string) error {
	tags, err := encodeStrings(tagIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE devices SET tag_ids = $1 WHERE id = $2", tags, id)
	return err
}

func (s *PostgresStore) MarkDeviceOffline(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET connection_id = '', online = FALSE, last_seen = $1 WHERE id = $2",
		when, id,
	)
	return err
}

func (s *PostgresStore) MarkAllDevicesOffline(ctx context.Context, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET connection_id = '', online = FALSE, last_seen = $1 WHERE online = TRUE",
		when,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, action, user_id, device_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.TenantID, event.Action, event.UserID, event.DeviceID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, action, user_id, device_id, detail, created_at
		 FROM audit_events WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
