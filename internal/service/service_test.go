package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/auth"
	"github.com/EDRN/biokey/internal/config"
	"github.com/EDRN/biokey/internal/database"
	"github.com/EDRN/biokey/internal/database/models"
	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/directory/directorytest"
	"github.com/EDRN/biokey/internal/mail/mailtest"
)

const (
	testManagerDN = "uid=admin,ou=system"
	testManagerPW = "manager-secret"
	testUserBase  = "ou=users,o=EDRN"
	testGroupBase = "ou=groups,o=EDRN"
	testGroup     = "cn=All Users,ou=groups,o=EDRN"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	cfg      *config.Config
	db       *database.Database
	server   *directorytest.Server
	trees    *TreeService
	accounts *AccountService
	mail     *mailtest.Recorder
	tree     *models.DirectoryTree
}

func testTreeConfig(slug string) config.TreeConfig {
	return config.TreeConfig{
		Slug:             slug,
		Title:            "Early Detection Research Network",
		URI:              "ldap://directory.test",
		ManagerDN:        testManagerDN,
		ManagerPassword:  testManagerPW,
		UserBase:         testUserBase,
		GroupBase:        testGroupBase,
		AcceptanceGroup:  testGroup,
		HelpAddress:      "help@example.com",
		ExternalAccounts: true,
	}
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "biokey.db")
	cfg.Accounts.ResetWindow = 4320 * time.Minute
	cfg.Accounts.PasswordScheme = auth.SchemeSSHA
	cfg.Mail.From = "no-reply@example.com"
	cfg.Mail.NewUsersAddresses = []string{"admin@example.com"}
	cfg.Queue.AdminNoticeDelay = 10 * time.Second
	cfg.Queue.UIDReminderStagger = 2 * time.Second
	cfg.Site = config.SiteConfig{Scheme: "https", Hostname: "biokey.example.com", Port: 8443, ScriptPrefix: "/portal"}

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	server := directorytest.NewServer(testManagerDN, testManagerPW)
	server.Put(testGroup, map[string][]string{
		"objectClass":  {"groupOfUniqueNames"},
		"cn":           {"All Users"},
		"uniqueMember": {"uid=placeholder," + testUserBase},
	})

	trees, err := NewTreeService(ctx, db, cfg.Cache, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(trees.Close)
	require.NoError(t, trees.SeedTrees(ctx, []config.TreeConfig{testTreeConfig("edrn")}))

	tree, err := trees.GetTree(ctx, "edrn")
	require.NoError(t, err)

	recorder := &mailtest.Recorder{}
	client := directory.NewClient(server, zap.NewNop())
	accounts := NewAccountService(db, client, recorder, cfg, zap.NewNop())
	accounts.now = func() time.Time { return testNow }

	return &testEnv{
		cfg:      cfg,
		db:       db,
		server:   server,
		trees:    trees,
		accounts: accounts,
		mail:     recorder,
		tree:     tree,
	}
}

// putPerson stores an account directly in the fake directory
func (e *testEnv) putPerson(t *testing.T, uid, cn, sn, mail, description, password string) string {
	t.Helper()
	hash, err := auth.HashDirectoryPassword(auth.SchemeSSHA, password)
	require.NoError(t, err)

	dn := "uid=" + uid + "," + testUserBase
	e.server.Put(dn, map[string][]string{
		"objectClass":  {"top", "person", "inetOrgPerson"},
		"uid":          {uid},
		"cn":           {cn},
		"sn":           {sn},
		"mail":         {mail},
		"description":  {description},
		"userPassword": {hash},
	})
	return dn
}

func (e *testEnv) target(t *testing.T) directory.Target {
	t.Helper()
	target, err := TreeTarget(e.tree)
	require.NoError(t, err)
	return target
}
