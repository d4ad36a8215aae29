package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/directory"
)

// ErrNotFound is returned when no entry has the requested uid
var ErrNotFound = errors.New("account not found")

// ErrStale is returned when an entry changed between being read and being rewritten
var ErrStale = errors.New("account changed since it was read")

// NewAccount holds the attributes of an entry to create
type NewAccount struct {
	UID           string
	FirstName     string
	LastName      string
	Email         string
	Phone         string
	ObjectClasses []string
	PasswordHash  string
	Metadata      Metadata
}

// Store performs account-level directory operations, one connection each
type Store struct {
	client *directory.Client
	codec  *Codec
	logger *zap.Logger
}

// NewStore creates a new account store
func NewStore(client *directory.Client, codec *Codec, logger *zap.Logger) *Store {
	return &Store{client: client, codec: codec, logger: logger}
}

// Codec returns the codec used to decode entries
func (s *Store) Codec() *Codec {
	return s.codec
}

// DN returns the distinguished name an account with uid has in target
func DN(target directory.Target, uid string) string {
	return fmt.Sprintf("uid=%s,%s", uid, target.UserBase)
}

// FindByUID looks up an account by uid, returning ErrNotFound when none exists
func (s *Store) FindByUID(ctx context.Context, target directory.Target, uid string) (*Record, error) {
	var entries []*ldap.Entry
	err := s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		var err error
		entries, err = sess.Search("(uid="+ldap.EscapeFilter(uid)+")", Attributes...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return s.codec.Decode(entries[0])
}

// FindByEmail returns every account with the given mail address. Entries that
// cannot be decoded are logged and skipped.
func (s *Store) FindByEmail(ctx context.Context, target directory.Target, email string) ([]*Record, error) {
	var entries []*ldap.Entry
	err := s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		var err error
		entries, err = sess.Search("(mail="+ldap.EscapeFilter(email)+")", Attributes...)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		rec, err := s.codec.Decode(entry)
		if err != nil {
			s.logger.Warn("Skipping malformed directory entry", zap.String("dn", entry.DN), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// PotentialEmails returns the sorted, distinct mail addresses of entries that
// look like the named person: by common name when a first name is given,
// otherwise by surname
func (s *Store) PotentialEmails(ctx context.Context, target directory.Target, firstName, lastName string) ([]string, error) {
	firstName, lastName = strings.TrimSpace(firstName), strings.TrimSpace(lastName)

	filter := "(sn=" + ldap.EscapeFilter(lastName) + ")"
	if firstName != "" {
		filter = "(cn=" + ldap.EscapeFilter(firstName+" "+lastName) + ")"
	}

	var entries []*ldap.Entry
	err := s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		var err error
		entries, err = sess.Search(filter, "mail")
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var emails []string
	for _, entry := range entries {
		for _, mail := range entry.GetAttributeValues("mail") {
			if !seen[mail] {
				seen[mail] = true
				emails = append(emails, mail)
			}
		}
	}
	sort.Strings(emails)
	return emails, nil
}

// Create adds a person entry and returns its DN. A taken uid surfaces as an
// error for which directory.IsEntryExists is true.
func (s *Store) Create(ctx context.Context, target directory.Target, acct NewAccount) (string, error) {
	description, err := EncodeMetadata(acct.Metadata)
	if err != nil {
		return "", err
	}

	cn := acct.LastName
	if acct.FirstName != "" {
		cn = acct.FirstName + " " + acct.LastName
	}

	attrs := map[string][]string{
		"objectClass":  acct.ObjectClasses,
		"uid":          {acct.UID},
		"sn":           {acct.LastName},
		"cn":           {cn},
		"mail":         {acct.Email},
		"userPassword": {acct.PasswordHash},
		"description":  {string(description)},
	}
	if acct.FirstName != "" {
		attrs["givenName"] = []string{acct.FirstName}
	}
	if acct.Phone != "" {
		attrs["telephoneNumber"] = []string{acct.Phone}
	}

	dn := DN(target, acct.UID)
	err = s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		return sess.Add(dn, attrs)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Created directory account", zap.String("dn", dn))
	return dn, nil
}

// Delete removes the entry at dn
func (s *Store) Delete(ctx context.Context, target directory.Target, dn string) error {
	return s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		return sess.Delete(dn)
	})
}

// AddToGroup adds dn to groupDN's member attribute. Existing membership counts as success.
func (s *Store) AddToGroup(ctx context.Context, target directory.Target, groupDN, memberAttribute, dn string) error {
	err := s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		return sess.Modify(groupDN, directory.AddValue(memberAttribute, dn))
	})
	if directory.IsValueExists(err) {
		s.logger.Info("Account already in group", zap.String("dn", dn), zap.String("group", groupDN))
		return nil
	}
	return err
}

// Group is a group entry under the tree's group base
type Group struct {
	DN      string `json:"dn"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Groups lists the groups under the group base with their member counts,
// ordered by DN
func (s *Store) Groups(ctx context.Context, target directory.Target, memberAttribute string) ([]Group, error) {
	var entries []*ldap.Entry
	err := s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		var err error
		entries, err = sess.SearchGroups("(cn=*)", "cn", memberAttribute)
		return err
	})
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(entries))
	for _, entry := range entries {
		groups = append(groups, Group{
			DN:      entry.DN,
			Name:    entry.GetAttributeValue("cn"),
			Members: len(entry.GetAttributeValues(memberAttribute)),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].DN < groups[j].DN })
	return groups, nil
}

// CheckPassword reports whether password is the current password of dn
func (s *Store) CheckPassword(ctx context.Context, target directory.Target, dn, password string) (bool, error) {
	return s.client.CheckCredentials(ctx, target, dn, password)
}

// ReplaceDescription rewrites dn's description from meta in one modify and
// returns the description written
func (s *Store) ReplaceDescription(ctx context.Context, target directory.Target, dn string, meta Metadata) (string, error) {
	description, err := EncodeMetadata(meta)
	if err != nil {
		return "", err
	}
	err = s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		return sess.Modify(dn, directory.Replace("description", string(description)))
	})
	if err != nil {
		return "", err
	}
	return string(description), nil
}

// SwapDescriptionAndPassword rewrites dn's description and password in one
// modify, provided the description is still previous. ErrStale means the
// entry changed after it was read and nothing was written.
func (s *Store) SwapDescriptionAndPassword(ctx context.Context, target directory.Target, dn, previous string, meta Metadata, passwordHash string) error {
	description, err := EncodeMetadata(meta)
	if err != nil {
		return err
	}
	changes := []directory.Change{
		directory.DeleteValue("description", previous),
		directory.AddValue("description", string(description)),
	}
	if previous == "" {
		// Nothing to compare against; an entry without a description holds no token
		changes = []directory.Change{directory.Replace("description", string(description))}
	}
	changes = append(changes, directory.Replace("userPassword", passwordHash))

	err = s.client.WithConnection(ctx, target, func(sess *directory.Session) error {
		return sess.Modify(dn, changes...)
	})
	if directory.IsNoSuchAttribute(err) {
		return fmt.Errorf("%w: %s", ErrStale, dn)
	}
	return err
}
