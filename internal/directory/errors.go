package directory

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionError reports a failure to reach or bind to a directory
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("directory connection to %s failed: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DirectoryError reports a failed search, add, modify or delete
type DirectoryError struct {
	Op  string
	DN  string
	Err error
}

func (e *DirectoryError) Error() string {
	if e.DN == "" {
		return fmt.Sprintf("directory %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("directory %s of %s failed: %v", e.Op, e.DN, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// ResultCode returns the LDAP result code carried by err, if any
func ResultCode(err error) (uint16, bool) {
	var lerr *ldap.Error
	if errors.As(err, &lerr) {
		return lerr.ResultCode, true
	}
	return 0, false
}

func hasResultCode(err error, code uint16) bool {
	rc, ok := ResultCode(err)
	return ok && rc == code
}

// IsEntryExists reports whether err means the DN is already taken
func IsEntryExists(err error) bool {
	return hasResultCode(err, ldap.LDAPResultEntryAlreadyExists)
}

// IsNoSuchObject reports whether err means the DN does not exist
func IsNoSuchObject(err error) bool {
	return hasResultCode(err, ldap.LDAPResultNoSuchObject)
}

// IsValueExists reports whether err means an added attribute value was already present
func IsValueExists(err error) bool {
	return hasResultCode(err, ldap.LDAPResultAttributeOrValueExists)
}

// IsNoSuchAttribute reports whether err means a deleted attribute value was not present
func IsNoSuchAttribute(err error) bool {
	return hasResultCode(err, ldap.LDAPResultNoSuchAttribute)
}

// IsInvalidCredentials reports whether err is a failed bind
func IsInvalidCredentials(err error) bool {
	return hasResultCode(err, ldap.LDAPResultInvalidCredentials)
}
