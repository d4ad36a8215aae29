// Package directory is the only code that talks LDAP. Every operation opens
// its own connection, binds as the tree's manager, does its work and closes
// the connection again; nothing is pooled or cached.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Conn is the subset of an LDAP connection the client uses
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	Close() error
}

// Dialer opens connections to a directory URI
type Dialer interface {
	Dial(ctx context.Context, uri string) (Conn, error)
}

// LDAPDialer dials real directory servers
type LDAPDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// Dial connects to uri (ldap://, ldaps:// or ldapi://)
func (d LDAPDialer) Dial(ctx context.Context, uri string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: d.Timeout})}
	if d.TLSConfig != nil {
		opts = append(opts, ldap.DialWithTLSConfig(d.TLSConfig))
	}

	conn, err := ldap.DialURL(uri, opts...)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		conn.SetTimeout(d.Timeout)
	}
	return ldapConn{conn}, nil
}

// Target names a directory and the manager credentials and search bases used
// to work in it
type Target struct {
	URI          string
	BindDN       string
	BindPassword string
	UserBase     string
	UserScope    Scope
	GroupBase    string
	GroupScope   Scope
}

// Client runs directory operations against a Target
type Client struct {
	dialer Dialer
	logger *zap.Logger
}

// NewClient creates a new directory client
func NewClient(dialer Dialer, logger *zap.Logger) *Client {
	return &Client{dialer: dialer, logger: logger}
}

// WithConnection dials and binds to target, runs fn and closes the connection
// on every path. Cancelling ctx closes the connection, which aborts any
// request in flight.
func (c *Client) WithConnection(ctx context.Context, target Target, fn func(*Session) error) error {
	conn, err := c.open(ctx, target.URI)
	if err != nil {
		return err
	}
	defer c.close(conn, target.URI)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Bind(target.BindDN, target.BindPassword); err != nil {
		return &ConnectionError{URI: target.URI, Err: fmt.Errorf("bind as %s: %w", target.BindDN, err)}
	}

	return fn(&Session{conn: conn, target: target})
}

// CheckCredentials reports whether password is correct for dn by binding as
// that entry on a connection of its own
func (c *Client) CheckCredentials(ctx context.Context, target Target, dn, password string) (bool, error) {
	if password == "" {
		// An empty password would be an unauthenticated bind and always succeed
		return false, nil
	}

	conn, err := c.open(ctx, target.URI)
	if err != nil {
		return false, err
	}
	defer c.close(conn, target.URI)

	if err := conn.Bind(dn, password); err != nil {
		if IsInvalidCredentials(err) {
			return false, nil
		}
		return false, &ConnectionError{URI: target.URI, Err: fmt.Errorf("bind as %s: %w", dn, err)}
	}
	return true, nil
}

func (c *Client) open(ctx context.Context, uri string) (Conn, error) {
	conn, err := c.dialer.Dial(ctx, uri)
	if err != nil {
		return nil, &ConnectionError{URI: uri, Err: err}
	}
	return conn, nil
}

func (c *Client) close(conn Conn, uri string) {
	if err := conn.Close(); err != nil {
		c.logger.Debug("Failed to close directory connection", zap.String("uri", uri), zap.Error(err))
	}
}

// Session is a bound connection valid only inside WithConnection
type Session struct {
	conn   Conn
	target Target
}

// Search finds entries under the user base matching filter
func (s *Session) Search(filter string, attrs ...string) ([]*ldap.Entry, error) {
	return s.search(s.target.UserBase, s.target.UserScope, filter, attrs)
}

// SearchGroups finds entries under the group base matching filter
func (s *Session) SearchGroups(filter string, attrs ...string) ([]*ldap.Entry, error) {
	return s.search(s.target.GroupBase, s.target.GroupScope, filter, attrs)
}

func (s *Session) search(base string, scope Scope, filter string, attrs []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		base, int(scope), ldap.NeverDerefAliases, 0, 0, false,
		filter, attrs, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, &DirectoryError{Op: "search", DN: base, Err: fmt.Errorf("filter %s: %w", filter, err)}
	}
	return res.Entries, nil
}

// Add creates an entry. Attributes are sent in name order.
func (s *Session) Add(dn string, attrs map[string][]string) error {
	req := ldap.NewAddRequest(dn, nil)

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.Attribute(name, attrs[name])
	}

	if err := s.conn.Add(req); err != nil {
		return &DirectoryError{Op: "add", DN: dn, Err: err}
	}
	return nil
}

// ChangeOp is the kind of attribute modification
type ChangeOp int

const (
	// ReplaceValues sets the attribute to exactly the given values
	ReplaceValues ChangeOp = iota
	// AddValues adds values to the attribute
	AddValues
	// DeleteValues removes values, or the whole attribute when none are given
	DeleteValues
)

// Change is one attribute modification
type Change struct {
	Op     ChangeOp
	Attr   string
	Values []string
}

// Replace builds a Change that sets attr to values
func Replace(attr string, values ...string) Change {
	return Change{Op: ReplaceValues, Attr: attr, Values: values}
}

// AddValue builds a Change that adds values to attr
func AddValue(attr string, values ...string) Change {
	return Change{Op: AddValues, Attr: attr, Values: values}
}

// DeleteValue builds a Change that removes exactly values from attr. The
// directory refuses the whole modify if any of them is not present.
func DeleteValue(attr string, values ...string) Change {
	return Change{Op: DeleteValues, Attr: attr, Values: values}
}

// Modify applies every change to dn in a single request
func (s *Session) Modify(dn string, changes ...Change) error {
	if len(changes) == 0 {
		return errors.New("no changes to apply")
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, ch := range changes {
		switch ch.Op {
		case ReplaceValues:
			req.Replace(ch.Attr, ch.Values)
		case AddValues:
			req.Add(ch.Attr, ch.Values)
		case DeleteValues:
			req.Delete(ch.Attr, ch.Values)
		default:
			return fmt.Errorf("unknown change operation %d", ch.Op)
		}
	}

	if err := s.conn.Modify(req); err != nil {
		return &DirectoryError{Op: "modify", DN: dn, Err: err}
	}
	return nil
}

// Delete removes an entry
func (s *Session) Delete(dn string) error {
	if err := s.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return &DirectoryError{Op: "delete", DN: dn, Err: err}
	}
	return nil
}
