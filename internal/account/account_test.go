package account

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/directory/directorytest"
)

const (
	testManagerDN = "uid=admin,ou=system"
	testManagerPW = "manager-secret"
	testUserBase  = "ou=users,o=EDRN"
	testGroupBase = "ou=groups,o=EDRN"
)

func setupDirectory(t *testing.T) (*directory.Client, *directorytest.Server, directory.Target) {
	t.Helper()
	server := directorytest.NewServer(testManagerDN, testManagerPW)
	target := directory.Target{
		URI:          "ldap://directory.test",
		BindDN:       testManagerDN,
		BindPassword: testManagerPW,
		UserBase:     testUserBase,
		UserScope:    directory.ScopeOneLevel,
		GroupBase:    testGroupBase,
		GroupScope:   directory.ScopeOneLevel,
	}
	return directory.NewClient(server, zap.NewNop()), server, target
}

func putPerson(t *testing.T, server *directorytest.Server, uid, cn, sn, mail, description string) string {
	t.Helper()
	dn := "uid=" + uid + "," + testUserBase
	server.Put(dn, map[string][]string{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"uid":         {uid},
		"cn":          {cn},
		"sn":          {sn},
		"mail":        {mail},
		"description": {description},
	})
	require.True(t, server.Has(dn))
	return dn
}
