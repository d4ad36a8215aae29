// Package database provides database connection management, migrations, and
// data access for directory trees, pending accounts and system configuration.
package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/EDRN/biokey/internal/config"
	"github.com/EDRN/biokey/internal/database/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database represents the database connection and operations
type Database struct {
	db     *sql.DB
	dbType string
}

// New creates a new database connection
func New(cfg *config.Config) (*Database, error) {
	var db *sql.DB
	var err error

	switch cfg.Database.Type {
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Database.SQLite.Path+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// SQLite only allows one writer at a time
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{
		db:     db,
		dbType: cfg.Database.Type,
	}, nil
}

// NewWithDB wraps an already opened connection of the given dialect
func NewWithDB(db *sql.DB, dbType string) *Database {
	return &Database{db: db, dbType: dbType}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	var migrationFiles []string
	if d.dbType == "postgres" {
		migrationFiles = []string{
			"migrations/000001_init_schema.postgres.up.sql",
		}
	} else {
		migrationFiles = []string{
			"migrations/000001_init_schema.up.sql",
		}
	}

	for _, migrationFile := range migrationFiles {
		content, err := migrationsFS.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", migrationFile, err)
		}

		for _, stmt := range splitStatements(string(content)) {
			if _, err := d.db.Exec(stmt); err != nil {
				// Ignore "duplicate column" errors for idempotent migrations
				if !strings.Contains(err.Error(), "duplicate column") && !strings.Contains(err.Error(), "already exists") {
					return fmt.Errorf("migration %s failed: %w\nStatement: %s", migrationFile, err, stmt)
				}
			}
		}
	}

	return nil
}

// splitStatements drops comment lines and splits on trailing semicolons
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") || line == "" {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	return statements
}

// DB returns the underlying database connection for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// Ping checks that the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $n for PostgreSQL
func (d *Database) rebind(query string) string {
	if d.dbType != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Directory tree operations

const treeColumns = `id, slug, title, uri, manager_dn, manager_password_enc, user_base, user_scope,
	group_base, group_scope, acceptance_group, group_member_attribute, help_address,
	object_classes, external_accounts, external_marker,
	creation_template, reset_template, uid_reminder_template, notification_template,
	approval_template, rejection_template, external_reset_template, created_at, updated_at`

// UpsertTree inserts a tree or, when the slug already exists, replaces its
// settings while keeping its id and creation time
func (d *Database) UpsertTree(ctx context.Context, tree *models.DirectoryTree) error {
	classes, err := json.Marshal(tree.ObjectClasses)
	if err != nil {
		return fmt.Errorf("failed to encode object classes: %w", err)
	}

	query := d.rebind(`INSERT INTO directory_trees (` + treeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			title = excluded.title,
			uri = excluded.uri,
			manager_dn = excluded.manager_dn,
			manager_password_enc = excluded.manager_password_enc,
			user_base = excluded.user_base,
			user_scope = excluded.user_scope,
			group_base = excluded.group_base,
			group_scope = excluded.group_scope,
			acceptance_group = excluded.acceptance_group,
			group_member_attribute = excluded.group_member_attribute,
			help_address = excluded.help_address,
			object_classes = excluded.object_classes,
			external_accounts = excluded.external_accounts,
			external_marker = excluded.external_marker,
			creation_template = excluded.creation_template,
			reset_template = excluded.reset_template,
			uid_reminder_template = excluded.uid_reminder_template,
			notification_template = excluded.notification_template,
			approval_template = excluded.approval_template,
			rejection_template = excluded.rejection_template,
			external_reset_template = excluded.external_reset_template,
			updated_at = excluded.updated_at`)

	tpl := tree.Templates
	_, err = d.db.ExecContext(ctx, query,
		tree.ID, tree.Slug, tree.Title, tree.URI, tree.ManagerDN, tree.ManagerPasswordEnc,
		tree.UserBase, tree.UserScope, tree.GroupBase, tree.GroupScope, tree.AcceptanceGroup,
		tree.GroupMemberAttribute, tree.HelpAddress, string(classes), tree.ExternalAccounts,
		tree.ExternalMarker, tpl.Creation, tpl.Reset, tpl.UIDReminder, tpl.Notification,
		tpl.Approval, tpl.Rejection, tpl.ExternalReset, tree.CreatedAt, tree.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTree(row rowScanner) (*models.DirectoryTree, error) {
	var tree models.DirectoryTree
	var classes string
	tpl := &tree.Templates
	err := row.Scan(
		&tree.ID, &tree.Slug, &tree.Title, &tree.URI, &tree.ManagerDN, &tree.ManagerPasswordEnc,
		&tree.UserBase, &tree.UserScope, &tree.GroupBase, &tree.GroupScope, &tree.AcceptanceGroup,
		&tree.GroupMemberAttribute, &tree.HelpAddress, &classes, &tree.ExternalAccounts,
		&tree.ExternalMarker, &tpl.Creation, &tpl.Reset, &tpl.UIDReminder, &tpl.Notification,
		&tpl.Approval, &tpl.Rejection, &tpl.ExternalReset, &tree.CreatedAt, &tree.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(classes), &tree.ObjectClasses); err != nil {
		return nil, fmt.Errorf("failed to decode object classes for tree %s: %w", tree.Slug, err)
	}
	return &tree, nil
}

// GetTreeBySlug retrieves a tree by its slug
func (d *Database) GetTreeBySlug(ctx context.Context, slug string) (*models.DirectoryTree, error) {
	query := d.rebind(`SELECT ` + treeColumns + ` FROM directory_trees WHERE slug = ?`)
	return scanTree(d.db.QueryRowContext(ctx, query, slug))
}

// ListTrees retrieves all trees ordered by slug
func (d *Database) ListTrees(ctx context.Context) ([]*models.DirectoryTree, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+treeColumns+` FROM directory_trees ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trees []*models.DirectoryTree
	for rows.Next() {
		tree, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}

	return trees, rows.Err()
}

// DeleteTree deletes a tree and, by cascade, its pending users
func (d *Database) DeleteTree(ctx context.Context, slug string) error {
	res, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM directory_trees WHERE slug = ?`), slug)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Pending user operations

const pendingColumns = `id, tree_id, uid, first_name, last_name, phone, email, created_at`

// CreatePendingUser records an account awaiting approval
func (d *Database) CreatePendingUser(ctx context.Context, user *models.PendingUser) error {
	query := d.rebind(`INSERT INTO pending_users (` + pendingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.ExecContext(ctx, query,
		user.ID, user.TreeID, user.UID, user.FirstName, user.LastName, user.Phone, user.Email, user.CreatedAt,
	)
	return err
}

func scanPending(row rowScanner) (*models.PendingUser, error) {
	var user models.PendingUser
	err := row.Scan(
		&user.ID, &user.TreeID, &user.UID, &user.FirstName, &user.LastName, &user.Phone, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetPendingUser retrieves a pending user of a tree by uid
func (d *Database) GetPendingUser(ctx context.Context, treeID, uid string) (*models.PendingUser, error) {
	query := d.rebind(`SELECT ` + pendingColumns + ` FROM pending_users WHERE tree_id = ? AND uid = ?`)
	return scanPending(d.db.QueryRowContext(ctx, query, treeID, uid))
}

// ListPendingUsers retrieves a tree's pending users, oldest first
func (d *Database) ListPendingUsers(ctx context.Context, treeID string) ([]*models.PendingUser, error) {
	query := d.rebind(`SELECT ` + pendingColumns + ` FROM pending_users WHERE tree_id = ? ORDER BY created_at, uid`)
	rows, err := d.db.QueryContext(ctx, query, treeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.PendingUser
	for rows.Next() {
		user, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// DeletePendingUser deletes a pending user by id
func (d *Database) DeletePendingUser(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM pending_users WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// System config operations

// SetSystemConfig sets a system configuration value
func (d *Database) SetSystemConfig(ctx context.Context, key, value string) error {
	query := d.rebind(`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)

	_, err := d.db.ExecContext(ctx, query, key, value, time.Now().UTC())
	return err
}

// GetSystemConfig retrieves a system configuration value
func (d *Database) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT value FROM system_config WHERE key = ?`), key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}
