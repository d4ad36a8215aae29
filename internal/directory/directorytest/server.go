// Package directorytest provides an in-memory directory that satisfies
// directory.Dialer, for exercising account workflows without an LDAP server.
package directorytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/EDRN/biokey/internal/auth"
	"github.com/EDRN/biokey/internal/directory"
)

type entry struct {
	dn    string
	attrs map[string][]string // keyed by lowercased attribute name
	names map[string]string   // lowercased name to name as first written
}

func newEntry(dn string) *entry {
	return &entry{dn: dn, attrs: map[string][]string{}, names: map[string]string{}}
}

func (e *entry) values(attr string) []string {
	return e.attrs[strings.ToLower(attr)]
}

func (e *entry) set(attr string, values []string) {
	key := strings.ToLower(attr)
	if len(values) == 0 {
		delete(e.attrs, key)
		delete(e.names, key)
		return
	}
	if _, ok := e.names[key]; !ok {
		e.names[key] = attr
	}
	e.attrs[key] = append([]string(nil), values...)
}

func (e *entry) toLDAP(requested []string) *ldap.Entry {
	out := map[string][]string{}
	if len(requested) == 0 {
		for key, vals := range e.attrs {
			out[e.names[key]] = append([]string(nil), vals...)
		}
	} else {
		for _, name := range requested {
			if vals := e.values(name); len(vals) > 0 {
				out[name] = append([]string(nil), vals...)
			}
		}
	}
	return ldap.NewEntry(e.dn, out)
}

// Server is an in-memory directory. The zero value is not usable; call NewServer.
type Server struct {
	mu        sync.Mutex
	entries   map[string]*entry
	managerDN string
	managerPW string
	failures  map[string]error
	dials     int
	open      int
	modifies  []*ldap.ModifyRequest
	adds      []string
	deletes   []string

	// BeforeAdd, when set, runs before each add is applied and outside the
	// server lock, so it may itself write to the server
	BeforeAdd func(dn string)

	// BeforeModify is the same for modifies
	BeforeModify func(dn string)
}

// NewServer creates an empty directory accepting binds as managerDN/managerPassword
func NewServer(managerDN, managerPassword string) *Server {
	return &Server{
		entries:   map[string]*entry{},
		managerDN: managerDN,
		managerPW: managerPassword,
		failures:  map[string]error{},
	}
}

func normalize(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}

// Put stores an entry directly, replacing any existing one
func (s *Server) Put(dn string, attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := newEntry(dn)
	for name, vals := range attrs {
		e.set(name, vals)
	}
	s.entries[normalize(dn)] = e
}

// Entry returns a copy of the entry at dn, or nil
func (s *Server) Entry(dn string) *ldap.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[normalize(dn)]
	if !ok {
		return nil
	}
	return e.toLDAP(nil)
}

// Has reports whether an entry exists at dn
func (s *Server) Has(dn string) bool {
	return s.Entry(dn) != nil
}

// Fail makes every subsequent op ("bind", "search", "add", "modify", "delete")
// return err. A nil err clears the failure.
func (s *Server) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Dials returns how many connections have been opened
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// OpenConns returns how many connections are currently open
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Modifies returns every modify request received, in order
func (s *Server) Modifies() []*ldap.ModifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ldap.ModifyRequest(nil), s.modifies...)
}

// Adds returns the DNs of every successful add, in order
func (s *Server) Adds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.adds...)
}

// Deletes returns the DNs of every successful delete, in order
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Writes returns the number of successful adds, modifies and deletes
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adds) + len(s.modifies) + len(s.deletes)
}

// Dial opens a connection to the in-memory directory; uri is ignored
func (s *Server) Dial(ctx context.Context, uri string) (directory.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["dial"]; err != nil {
		return nil, err
	}
	s.dials++
	s.open++
	return &conn{server: s}, nil
}

type conn struct {
	server *Server
	once   sync.Once
	closed bool
}

var errClosed = ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))

func (c *conn) check(op string) error {
	if c.closed {
		return errClosed
	}
	return c.server.failures[op]
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.server.mu.Lock()
		defer c.server.mu.Unlock()
		c.closed = true
		c.server.open--
	})
	return nil
}

func (c *conn) Bind(username, password string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check("bind"); err != nil {
		return err
	}
	if username == s.managerDN && password == s.managerPW {
		return nil
	}
	if e, ok := s.entries[normalize(username)]; ok && password != "" {
		for _, stored := range e.values("userPassword") {
			if auth.VerifyDirectoryPassword(stored, password) {
				return nil
			}
		}
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func inScope(dn, base string, scope int) bool {
	dn, base = normalize(dn), normalize(base)
	switch scope {
	case ldap.ScopeBaseObject:
		return dn == base
	case ldap.ScopeSingleLevel:
		i := strings.IndexByte(dn, ',')
		return i >= 0 && dn[i+1:] == base
	default:
		return dn == base || strings.HasSuffix(dn, ","+base)
	}
}

func (c *conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check("search"); err != nil {
		return nil, err
	}
	f, err := parseFilter(req.Filter)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, err)
	}

	var dns []string
	for key, e := range s.entries {
		if inScope(e.dn, req.BaseDN, req.Scope) && f.match(e) {
			dns = append(dns, key)
		}
	}
	sort.Strings(dns)

	res := &ldap.SearchResult{}
	for _, key := range dns {
		res.Entries = append(res.Entries, s.entries[key].toLDAP(req.Attributes))
	}
	return res, nil
}

func (c *conn) Add(req *ldap.AddRequest) error {
	if hook := c.server.BeforeAdd; hook != nil {
		hook(req.DN)
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check("add"); err != nil {
		return err
	}
	key := normalize(req.DN)
	if _, exists := s.entries[key]; exists {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, fmt.Errorf("entry %s already exists", req.DN))
	}

	e := newEntry(req.DN)
	for _, attr := range req.Attributes {
		e.set(attr.Type, attr.Vals)
	}
	s.entries[key] = e
	s.adds = append(s.adds, req.DN)
	return nil
}

func (c *conn) Modify(req *ldap.ModifyRequest) error {
	if hook := c.server.BeforeModify; hook != nil {
		hook(req.DN)
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check("modify"); err != nil {
		return err
	}
	e, ok := s.entries[normalize(req.DN)]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no entry %s", req.DN))
	}

	// Apply to a copy so a failing change leaves the entry untouched
	next := newEntry(e.dn)
	for key, vals := range e.attrs {
		next.set(e.names[key], vals)
	}

	for _, ch := range req.Changes {
		attr := ch.Modification.Type
		switch ch.Operation {
		case ldap.ReplaceAttribute:
			next.set(attr, ch.Modification.Vals)
		case ldap.AddAttribute:
			current := next.values(attr)
			for _, v := range ch.Modification.Vals {
				for _, existing := range current {
					if strings.EqualFold(existing, v) {
						return ldap.NewError(ldap.LDAPResultAttributeOrValueExists, fmt.Errorf("%s already has %s", attr, v))
					}
				}
			}
			next.set(attr, append(append([]string(nil), current...), ch.Modification.Vals...))
		case ldap.DeleteAttribute:
			if len(ch.Modification.Vals) == 0 {
				next.set(attr, nil)
				continue
			}
			current := next.values(attr)
			for _, v := range ch.Modification.Vals {
				found := false
				for _, existing := range current {
					if strings.EqualFold(existing, v) {
						found = true
					}
				}
				if !found {
					return ldap.NewError(ldap.LDAPResultNoSuchAttribute, fmt.Errorf("%s has no value %s", attr, v))
				}
			}
			var kept []string
			for _, existing := range current {
				remove := false
				for _, v := range ch.Modification.Vals {
					if strings.EqualFold(existing, v) {
						remove = true
					}
				}
				if !remove {
					kept = append(kept, existing)
				}
			}
			next.set(attr, kept)
		}
	}

	s.entries[normalize(req.DN)] = next
	s.modifies = append(s.modifies, req)
	return nil
}

func (c *conn) Del(req *ldap.DelRequest) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check("delete"); err != nil {
		return err
	}
	key := normalize(req.DN)
	if _, ok := s.entries[key]; !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no entry %s", req.DN))
	}
	delete(s.entries, key)
	s.deletes = append(s.deletes, req.DN)
	return nil
}
