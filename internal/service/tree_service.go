package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/config"
	"github.com/EDRN/biokey/internal/crypto"
	"github.com/EDRN/biokey/internal/database"
	"github.com/EDRN/biokey/internal/database/models"
	"github.com/EDRN/biokey/internal/directory"
)

const masterKeyConfigKey = "master_key"

const (
	DefaultGroupMemberAttribute = "uniqueMember"
	DefaultExternalMarker       = "imported via EDRN dmccsync"
)

// DefaultObjectClasses are given to new entries when a tree names none
var DefaultObjectClasses = []string{"top", "person", "organizationalPerson", "inetOrgPerson", "edrnPerson"}

// TreeService stores directory tree settings and serves them by slug
type TreeService struct {
	db     *database.Database
	box    *crypto.SecretBox
	cache  *ccache.Cache[*models.DirectoryTree]
	ttl    time.Duration
	logger *zap.Logger
}

// NewTreeService creates the service, generating and storing a master key on
// first use
func NewTreeService(ctx context.Context, db *database.Database, cfg config.CacheConfig, logger *zap.Logger) (*TreeService, error) {
	key, err := loadMasterKey(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	box, err := crypto.NewSecretBox(key)
	if err != nil {
		return nil, err
	}

	maxSize := cfg.TreeMaxSize
	if maxSize < 1 {
		maxSize = 100
	}
	return &TreeService{
		db:     db,
		box:    box,
		cache:  ccache.New(ccache.Configure[*models.DirectoryTree]().MaxSize(maxSize)),
		ttl:    cfg.TreeTTL,
		logger: logger,
	}, nil
}

func loadMasterKey(ctx context.Context, db *database.Database, logger *zap.Logger) ([]byte, error) {
	encoded, err := db.GetSystemConfig(ctx, masterKeyConfigKey)
	if err == nil {
		return crypto.DecodeMasterKey(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}

	key, err := crypto.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := db.SetSystemConfig(ctx, masterKeyConfigKey, crypto.EncodeMasterKey(key)); err != nil {
		return nil, fmt.Errorf("failed to store master key: %w", err)
	}
	logger.Info("Generated new master key")
	return key, nil
}

// Close stops the cache's background work
func (s *TreeService) Close() {
	s.cache.Stop()
}

// SeedTrees saves every configured tree
func (s *TreeService) SeedTrees(ctx context.Context, trees []config.TreeConfig) error {
	for _, tc := range trees {
		tree := &models.DirectoryTree{
			Slug:                 tc.Slug,
			Title:                tc.Title,
			URI:                  tc.URI,
			ManagerDN:            tc.ManagerDN,
			ManagerPassword:      tc.ManagerPassword,
			UserBase:             tc.UserBase,
			UserScope:            tc.UserScope,
			GroupBase:            tc.GroupBase,
			GroupScope:           tc.GroupScope,
			AcceptanceGroup:      tc.AcceptanceGroup,
			GroupMemberAttribute: tc.GroupMemberAttribute,
			HelpAddress:          tc.HelpAddress,
			ObjectClasses:        tc.ObjectClasses,
			ExternalAccounts:     tc.ExternalAccounts,
			ExternalMarker:       tc.ExternalMarker,
			Templates: models.Templates{
				Creation:      tc.CreationTemplate,
				Reset:         tc.ResetTemplate,
				UIDReminder:   tc.UIDReminderTemplate,
				Notification:  tc.NotificationTemplate,
				Approval:      tc.ApprovalTemplate,
				Rejection:     tc.RejectionTemplate,
				ExternalReset: tc.ExternalResetTemplate,
			},
		}
		if err := s.SaveTree(ctx, tree); err != nil {
			return err
		}
		s.logger.Info("Seeded directory tree", zap.String("slug", tree.Slug), zap.String("uri", tree.URI))
	}
	return nil
}

// SaveTree fills in defaults, checks the tree and stores it with its manager
// password sealed
func (s *TreeService) SaveTree(ctx context.Context, tree *models.DirectoryTree) error {
	applyTreeDefaults(tree)
	if _, err := TreeTarget(tree); err != nil {
		return err
	}
	if err := ValidateTemplates(tree); err != nil {
		return err
	}

	sealed, err := s.box.Seal([]byte(tree.ManagerPassword), tree.Slug)
	if err != nil {
		return fmt.Errorf("failed to seal manager password for tree %s: %w", tree.Slug, err)
	}
	tree.ManagerPasswordEnc = sealed

	now := time.Now().UTC()
	if tree.ID == "" {
		tree.ID = uuid.New().String()
	}
	if tree.CreatedAt.IsZero() {
		tree.CreatedAt = now
	}
	tree.UpdatedAt = now

	if err := s.db.UpsertTree(ctx, tree); err != nil {
		return fmt.Errorf("failed to save tree %s: %w", tree.Slug, err)
	}
	s.cache.Delete(tree.Slug)
	return nil
}

func applyTreeDefaults(tree *models.DirectoryTree) {
	if tree.Title == "" {
		tree.Title = strings.ToUpper(tree.Slug)
	}
	if tree.UserScope == "" {
		tree.UserScope = directory.ScopeOneLevel.String()
	}
	if tree.GroupScope == "" {
		tree.GroupScope = directory.ScopeOneLevel.String()
	}
	if tree.GroupMemberAttribute == "" {
		tree.GroupMemberAttribute = DefaultGroupMemberAttribute
	}
	if len(tree.ObjectClasses) == 0 {
		tree.ObjectClasses = append([]string(nil), DefaultObjectClasses...)
	}
	if tree.ExternalAccounts && tree.ExternalMarker == "" {
		tree.ExternalMarker = DefaultExternalMarker
	}
}

// GetTree returns the tree for slug. The result is shared and must not be modified.
func (s *TreeService) GetTree(ctx context.Context, slug string) (*models.DirectoryTree, error) {
	item, err := s.cache.Fetch(slug, s.ttl, func() (*models.DirectoryTree, error) {
		return s.load(ctx, slug)
	})
	if err != nil {
		return nil, err
	}
	return item.Value(), nil
}

func (s *TreeService) load(ctx context.Context, slug string) (*models.DirectoryTree, error) {
	tree, err := s.db.GetTreeBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTreeNotFound
		}
		return nil, fmt.Errorf("failed to get tree %s: %w", slug, err)
	}

	password, err := s.box.Open(tree.ManagerPasswordEnc, tree.Slug)
	if err != nil {
		return nil, fmt.Errorf("failed to open manager password for tree %s: %w", slug, err)
	}
	tree.ManagerPassword = string(password)
	return tree, nil
}

// ListTrees returns every tree without manager passwords
func (s *TreeService) ListTrees(ctx context.Context) ([]*models.DirectoryTree, error) {
	trees, err := s.db.ListTrees(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trees: %w", err)
	}
	return trees, nil
}

// DeleteTree removes a tree and, through the foreign key, its pending users
func (s *TreeService) DeleteTree(ctx context.Context, slug string) error {
	s.cache.Delete(slug)
	if err := s.db.DeleteTree(ctx, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTreeNotFound
		}
		return fmt.Errorf("failed to delete tree %s: %w", slug, err)
	}
	return nil
}

// TreeTarget converts a tree's settings into a directory target
func TreeTarget(tree *models.DirectoryTree) (directory.Target, error) {
	userScope, err := directory.ParseScope(tree.UserScope)
	if err != nil {
		return directory.Target{}, fmt.Errorf("tree %s user scope: %w", tree.Slug, err)
	}
	groupScope, err := directory.ParseScope(tree.GroupScope)
	if err != nil {
		return directory.Target{}, fmt.Errorf("tree %s group scope: %w", tree.Slug, err)
	}
	return directory.Target{
		URI:          tree.URI,
		BindDN:       tree.ManagerDN,
		BindPassword: tree.ManagerPassword,
		UserBase:     tree.UserBase,
		UserScope:    userScope,
		GroupBase:    tree.GroupBase,
		GroupScope:   groupScope,
	}, nil
}
