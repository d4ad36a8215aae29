// Package models defines the data structures persisted by BioKey: the
// directory trees it provisions accounts in, the accounts awaiting approval,
// and system configuration.
package models

import (
	"time"
)

// DirectoryTree describes one LDAP directory information tree and how
// accounts are provisioned within it
type DirectoryTree struct {
	ID                   string    `db:"id" json:"id"`
	Slug                 string    `db:"slug" json:"slug"`
	Title                string    `db:"title" json:"title"`
	URI                  string    `db:"uri" json:"-"`
	ManagerDN            string    `db:"manager_dn" json:"-"`
	ManagerPasswordEnc   []byte    `db:"manager_password_enc" json:"-"`
	UserBase             string    `db:"user_base" json:"-"`
	UserScope            string    `db:"user_scope" json:"-"`
	GroupBase            string    `db:"group_base" json:"-"`
	GroupScope           string    `db:"group_scope" json:"-"`
	AcceptanceGroup      string    `db:"acceptance_group" json:"-"`
	GroupMemberAttribute string    `db:"group_member_attribute" json:"-"`
	HelpAddress          string    `db:"help_address" json:"help_address"`
	ObjectClasses        []string  `db:"object_classes" json:"-"`
	ExternalAccounts     bool      `db:"external_accounts" json:"external_accounts"`
	ExternalMarker       string    `db:"external_marker" json:"-"`
	Templates            Templates `json:"-"`
	CreatedAt            time.Time `db:"created_at" json:"-"`
	UpdatedAt            time.Time `db:"updated_at" json:"-"`

	// ManagerPassword is the decrypted bind password; never persisted
	ManagerPassword string `db:"-" json:"-"`
}

// Templates holds a tree's message bodies. Empty values fall back to the
// built-in defaults.
type Templates struct {
	Creation      string `db:"creation_template"`
	Reset         string `db:"reset_template"`
	UIDReminder   string `db:"uid_reminder_template"`
	Notification  string `db:"notification_template"`
	Approval      string `db:"approval_template"`
	Rejection     string `db:"rejection_template"`
	ExternalReset string `db:"external_reset_template"`
}

// PendingUser is an account created in the directory but not yet approved
type PendingUser struct {
	ID        string    `db:"id" json:"id"`
	TreeID    string    `db:"tree_id" json:"-"`
	UID       string    `db:"uid" json:"uid"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SystemConfig represents system-wide configuration
type SystemConfig struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
