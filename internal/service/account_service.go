package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/account"
	"github.com/EDRN/biokey/internal/auth"
	"github.com/EDRN/biokey/internal/config"
	"github.com/EDRN/biokey/internal/database"
	"github.com/EDRN/biokey/internal/database/models"
	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/mail"
	"github.com/EDRN/biokey/internal/resettoken"
)

const maxPersonNameLength = 128

// Actor identifies the staff member performing an administrative action
type Actor struct {
	Username string
	Email    string
	Role     string
}

// SignupRequest holds what a person supplies to open an account
type SignupRequest struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// ForgottenRequest names an account by uid or by email, never both
type ForgottenRequest struct {
	UID   string
	Email string
}

// AccountService runs the account lifecycle: signup, approval, rejection,
// password resets and changes
type AccountService struct {
	db         *database.Database
	store      *account.Store
	names      *account.NameGenerator
	tokens     *resettoken.Manager
	dispatcher mail.Dispatcher
	accounts   config.AccountsConfig
	mail       config.MailConfig
	queue      config.QueueConfig
	site       config.SiteConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(db *database.Database, client *directory.Client, dispatcher mail.Dispatcher, cfg *config.Config, logger *zap.Logger) *AccountService {
	store := account.NewStore(client, account.NewCodec(logger), logger)
	return &AccountService{
		db:         db,
		store:      store,
		names:      account.NewNameGenerator(client, cfg.Accounts.AccountNameBound(), cfg.Accounts.NameAttempts, logger),
		tokens:     resettoken.NewManager(store, cfg.Accounts.PasswordScheme, logger),
		dispatcher: dispatcher,
		accounts:   cfg.Accounts,
		mail:       cfg.Mail,
		queue:      cfg.Queue,
		site:       cfg.Site,
		logger:     logger,
		now:        time.Now,
	}
}

// Store exposes the account store
func (s *AccountService) Store() *account.Store {
	return s.store
}

func consortium(tree *models.DirectoryTree) string {
	return strings.ToUpper(tree.Slug)
}

// naturalWindow renders a duration the way people say it, e.g. "3 days"
func naturalWindow(now time.Time, window time.Duration) string {
	return strings.TrimSpace(humanize.RelTime(now, now.Add(window), "", ""))
}

func (s *AccountService) baseData(tree *models.DirectoryTree, uid string) MessageData {
	return MessageData{
		UID:         uid,
		Consortium:  consortium(tree),
		Title:       tree.Title,
		URL:         TreeURL(s.site, tree.Slug),
		HelpAddress: tree.HelpAddress,
	}
}

func (s *AccountService) send(ctx context.Context, to []string, subject, body string, delay time.Duration) {
	s.dispatcher.Dispatch(ctx, mail.Message{
		From:    s.mail.From,
		To:      to,
		Subject: subject,
		Body:    body,
		Delay:   delay,
	})
}

func (s *AccountService) validateSignup(req SignupRequest) error {
	if strings.TrimSpace(req.LastName) == "" {
		return &ValidationError{Field: "last_name", Message: "is required"}
	}
	if len(req.LastName) > maxPersonNameLength {
		return &ValidationError{Field: "last_name", Message: fmt.Sprintf("must be at most %d characters", maxPersonNameLength)}
	}
	if len(req.FirstName) > maxPersonNameLength {
		return &ValidationError{Field: "first_name", Message: fmt.Sprintf("must be at most %d characters", maxPersonNameLength)}
	}
	if err := s.validateEmail(req.Email); err != nil {
		return err
	}
	if len(req.Phone) > s.accounts.MaxPhoneLength {
		return &ValidationError{Field: "phone", Message: fmt.Sprintf("must be at most %d characters", s.accounts.MaxPhoneLength)}
	}
	return nil
}

func (s *AccountService) validateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if len(email) > s.accounts.MaxEmailLength {
		return &ValidationError{Field: "email", Message: fmt.Sprintf("must be at most %d characters", s.accounts.MaxEmailLength)}
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Message: "is not a valid address"}
	}
	return nil
}

func (s *AccountService) validateUID(uid string) error {
	if uid == "" {
		return &ValidationError{Field: "uid", Message: "is required"}
	}
	if len(uid) > s.accounts.MaxUIDLength {
		return &ValidationError{Field: "uid", Message: fmt.Sprintf("must be at most %d characters", s.accounts.MaxUIDLength)}
	}
	return nil
}

// CheckPasswordPolicy reports why password is unacceptable, or nil
func (s *AccountService) CheckPasswordPolicy(password string) error {
	if err := auth.CheckComplexity(password, s.accounts.MaxPasswordLength); err != nil {
		return &ValidationError{Field: "new_password", Message: err.Error()}
	}
	return nil
}

// CreateAccount opens a pending account for req in tree and returns its uid.
// Emails are dispatched after the directory and pending-user writes succeed;
// their failure does not undo those writes.
func (s *AccountService) CreateAccount(ctx context.Context, tree *models.DirectoryTree, req SignupRequest) (string, error) {
	if err := s.validateSignup(req); err != nil {
		return "", err
	}
	target, err := TreeTarget(tree)
	if err != nil {
		return "", err
	}

	uid, err := s.names.Generate(ctx, target, req.FirstName, req.LastName)
	if err != nil {
		return "", fmt.Errorf("failed to generate account name: %w", err)
	}

	initial, err := auth.RandomPassword(auth.StrongPasswordLength)
	if err != nil {
		return "", err
	}
	hash, err := auth.HashDirectoryPassword(s.accounts.PasswordScheme, initial)
	if err != nil {
		return "", err
	}

	dn, err := s.store.Create(ctx, target, account.NewAccount{
		UID:           uid,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Email:         req.Email,
		Phone:         req.Phone,
		ObjectClasses: tree.ObjectClasses,
		PasswordHash:  hash,
		Metadata:      account.Metadata{Fields: map[string]any{account.FieldConsortium: tree.Slug}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create account %s: %w", uid, err)
	}

	// The entry exists now; a departing caller must not strand it without a pending row
	ctx = context.WithoutCancel(ctx)

	pending := &models.PendingUser{
		ID:        uuid.New().String(),
		TreeID:    tree.ID,
		UID:       uid,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Email:     req.Email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.CreatePendingUser(ctx, pending); err != nil {
		// Without a pending row nobody could ever approve the entry
		if delErr := s.store.Delete(ctx, target, dn); delErr != nil {
			s.logger.Error("Failed to remove unrecorded account", zap.String("dn", dn), zap.Error(delErr))
		}
		return "", fmt.Errorf("failed to record pending user %s: %w", uid, err)
	}

	rec, err := s.store.FindByUID(ctx, target, uid)
	if err != nil {
		return "", fmt.Errorf("failed to read back account %s: %w", uid, err)
	}

	now := s.now()
	expiration := now.Add(s.accounts.ResetWindow)
	token, err := s.tokens.Issue(ctx, target, rec, expiration)
	if err != nil {
		return "", err
	}

	s.logger.Info("Created account",
		zap.String("tree", tree.Slug),
		zap.String("uid", uid),
		zap.String("dn", dn),
	)

	data := s.baseData(tree, uid)
	data.FirstName, data.LastName = req.FirstName, req.LastName
	data.Phone, data.Email = req.Phone, req.Email
	data.Link = ResetLink(s.site, tree.Slug, uid, token)
	data.Window = naturalWindow(now, s.accounts.ResetWindow)
	data.Expiration = expiration.UTC().Format(time.ANSIC)

	if body, err := renderMessage(tree, creationMessage, data); err != nil {
		s.logger.Error("Failed to render welcome email", zap.String("uid", uid), zap.Error(err))
	} else {
		s.send(ctx, []string{req.Email}, fmt.Sprintf("Your new %s account", data.Consortium), body, 0)
	}

	if len(s.mail.NewUsersAddresses) > 0 {
		if body, err := renderMessage(tree, notificationMessage, data); err != nil {
			s.logger.Error("Failed to render new account notice", zap.String("uid", uid), zap.Error(err))
		} else {
			subject := fmt.Sprintf("New %s account created: %s", data.Consortium, uid)
			s.send(ctx, s.mail.NewUsersAddresses, subject, body, s.queue.AdminNoticeDelay)
		}
	}

	return uid, nil
}

// ListPending returns tree's pending users, oldest first
func (s *AccountService) ListPending(ctx context.Context, tree *models.DirectoryTree) ([]*models.PendingUser, error) {
	users, err := s.db.ListPendingUsers(ctx, tree.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	return users, nil
}

// GetPending returns the pending user with uid in tree
func (s *AccountService) GetPending(ctx context.Context, tree *models.DirectoryTree, uid string) (*models.PendingUser, error) {
	pending, err := s.db.GetPendingUser(ctx, tree.ID, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("failed to get pending user %s: %w", uid, err)
	}
	return pending, nil
}

// ListGroups returns the groups under tree's group base
func (s *AccountService) ListGroups(ctx context.Context, tree *models.DirectoryTree) ([]account.Group, error) {
	target, err := TreeTarget(tree)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.Groups(ctx, target, tree.GroupMemberAttribute)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups of %s: %w", tree.Slug, err)
	}
	return groups, nil
}

// AcceptPendingUser grants pending the tree's acceptance group, tells them,
// and drops the pending row. The row stays if the group update fails.
func (s *AccountService) AcceptPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, actor *Actor) error {
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}

	dn := account.DN(target, pending.UID)
	if err := s.store.AddToGroup(ctx, target, tree.AcceptanceGroup, tree.GroupMemberAttribute, dn); err != nil {
		return &GroupModificationError{UID: pending.UID, Group: tree.AcceptanceGroup, Err: err}
	}

	data := s.baseData(tree, pending.UID)
	data.FirstName, data.LastName, data.Email = pending.FirstName, pending.LastName, pending.Email
	if body, err := renderMessage(tree, approvalMessage, data); err != nil {
		s.logger.Error("Failed to render approval email", zap.String("uid", pending.UID), zap.Error(err))
	} else {
		subject := fmt.Sprintf("Your %s account %s has been approved", data.Consortium, pending.UID)
		s.send(ctx, []string{pending.Email}, subject, body, 0)
	}

	if err := s.db.DeletePendingUser(ctx, pending.ID); err != nil {
		return fmt.Errorf("failed to remove pending user %s: %w", pending.UID, err)
	}

	s.logger.Info("Accepted pending user",
		zap.String("tree", tree.Slug),
		zap.String("uid", pending.UID),
		zap.String("by", actorName(actor)),
	)
	return nil
}

// RejectPendingUser deletes pending's directory entry and pending row,
// first telling them when notify is set. Notifying requires an actor.
func (s *AccountService) RejectPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, notify bool, actor *Actor) error {
	if notify && actor == nil {
		return ErrNoAdminContext
	}
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}

	if notify {
		data := s.baseData(tree, pending.UID)
		data.FirstName, data.LastName, data.Email = pending.FirstName, pending.LastName, pending.Email
		body, err := renderMessage(tree, rejectionMessage, data)
		if err != nil {
			return err
		}
		subject := fmt.Sprintf("Your %s account %s has been rejected", data.Consortium, pending.UID)
		s.send(ctx, []string{pending.Email}, subject, body, 0)
	}

	dn := account.DN(target, pending.UID)
	if err := s.store.Delete(ctx, target, dn); err != nil {
		if !directory.IsNoSuchObject(err) {
			return fmt.Errorf("failed to delete account %s: %w", pending.UID, err)
		}
		s.logger.Warn("Rejected account was already gone from the directory", zap.String("dn", dn))
	}

	if err := s.db.DeletePendingUser(ctx, pending.ID); err != nil {
		return fmt.Errorf("failed to remove pending user %s: %w", pending.UID, err)
	}

	s.logger.Info("Rejected pending user",
		zap.String("tree", tree.Slug),
		zap.String("uid", pending.UID),
		zap.Bool("notified", notify),
		zap.String("by", actorName(actor)),
	)
	return nil
}

func actorName(actor *Actor) string {
	if actor == nil {
		return ""
	}
	return actor.Username
}

func (s *AccountService) externallyManaged(tree *models.DirectoryTree, rec *account.Record) bool {
	return tree.ExternalAccounts && rec.ExternallyManaged(tree.ExternalMarker)
}

// SendResetEmail mails rec a reset link, or for externally managed accounts
// directions to the external reset process with no token issued
func (s *AccountService) SendResetEmail(ctx context.Context, tree *models.DirectoryTree, rec *account.Record) error {
	if rec.Email == "" {
		s.logger.Warn("Account has no email address; not sending reset", zap.String("uid", rec.UID))
		return nil
	}

	data := s.baseData(tree, rec.UID)
	data.Email = rec.Email

	if s.externallyManaged(tree, rec) {
		body, err := renderMessage(tree, externalResetMessage, data)
		if err != nil {
			return err
		}
		s.send(ctx, []string{rec.Email}, fmt.Sprintf("%s Password Reset", data.Consortium), body, 0)
		s.logger.Info("Sent external reset directions", zap.String("uid", rec.UID))
		return nil
	}

	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}
	now := s.now()
	expiration := now.Add(s.accounts.ResetWindow)
	token, err := s.tokens.Issue(ctx, target, rec, expiration)
	if err != nil {
		return err
	}

	data.Link = ResetLink(s.site, tree.Slug, rec.UID, token)
	data.Window = naturalWindow(now, s.accounts.ResetWindow)
	data.Expiration = expiration.UTC().Format(time.ANSIC)
	body, err := renderMessage(tree, resetMessage, data)
	if err != nil {
		return err
	}
	s.send(ctx, []string{rec.Email}, fmt.Sprintf("Password reset for %s", rec.UID), body, 0)
	return nil
}

// SendUIDReminders mails each record its uid, spacing the sends by the
// configured stagger
func (s *AccountService) SendUIDReminders(ctx context.Context, tree *models.DirectoryTree, recs []*account.Record) error {
	subject := fmt.Sprintf("Your %s account username", consortium(tree))
	var delay time.Duration
	for _, rec := range recs {
		data := s.baseData(tree, rec.UID)
		data.Email = rec.Email
		body, err := renderMessage(tree, uidReminderMessage, data)
		if err != nil {
			return err
		}
		s.send(ctx, []string{rec.Email}, subject, body, delay)
		delay += s.queue.UIDReminderStagger
	}
	return nil
}

// ChangePassword sets uid's password and clears any pending reset
func (s *AccountService) ChangePassword(ctx context.Context, tree *models.DirectoryTree, uid, newPassword string) error {
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}
	rec, err := s.store.FindByUID(ctx, target, uid)
	if err != nil {
		return err
	}
	return s.changePassword(ctx, tree, target, rec, newPassword)
}

func (s *AccountService) changePassword(ctx context.Context, tree *models.DirectoryTree, target directory.Target, rec *account.Record, newPassword string) error {
	if err := s.CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	if s.externallyManaged(tree, rec) {
		return ErrExternallyManaged
	}
	return s.tokens.Consume(ctx, target, rec, newPassword)
}

// ChangeKnownPassword changes uid's password after checking current by
// binding as the account
func (s *AccountService) ChangeKnownPassword(ctx context.Context, tree *models.DirectoryTree, uid, current, newPassword string) error {
	if err := s.validateUID(uid); err != nil {
		return err
	}
	if err := s.CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}

	rec, err := s.store.FindByUID(ctx, target, uid)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrInvalidPassword
		}
		return err
	}
	ok, err := s.store.CheckPassword(ctx, target, rec.DN, current)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Password change with wrong current password", zap.String("uid", uid))
		return ErrInvalidPassword
	}
	return s.changePassword(ctx, tree, target, rec, newPassword)
}

// PotentialAccounts returns the emails of accounts that may already belong
// to the named person
func (s *AccountService) PotentialAccounts(ctx context.Context, tree *models.DirectoryTree, firstName, lastName string) ([]string, error) {
	if strings.TrimSpace(lastName) == "" {
		return nil, &ValidationError{Field: "last_name", Message: "is required"}
	}
	target, err := TreeTarget(tree)
	if err != nil {
		return nil, err
	}
	return s.store.PotentialEmails(ctx, target, firstName, lastName)
}

// ForgottenDetails starts a password reset (by uid) or sends uid reminders
// (by email). The outcome looks the same whether or not anything matched.
func (s *AccountService) ForgottenDetails(ctx context.Context, tree *models.DirectoryTree, req ForgottenRequest) error {
	switch {
	case req.UID == "" && req.Email == "":
		return &ValidationError{Field: "uid", Message: "either a user ID or an email address is required"}
	case req.UID != "" && req.Email != "":
		return &ValidationError{Field: "uid", Message: "give only a user ID or only an email address"}
	}
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}

	if req.UID != "" {
		if err := s.validateUID(req.UID); err != nil {
			return err
		}
		rec, err := s.store.FindByUID(ctx, target, req.UID)
		if err != nil {
			var malformed *account.MalformedRecordError
			if errors.Is(err, account.ErrNotFound) || errors.As(err, &malformed) {
				s.logger.Info("Forgotten password for unknown account", zap.String("uid", req.UID), zap.Error(err))
				return nil
			}
			return err
		}
		if err := s.SendResetEmail(ctx, tree, rec); err != nil {
			s.logger.Error("Failed to start password reset", zap.String("uid", req.UID), zap.Error(err))
		}
		return nil
	}

	if err := s.validateEmail(req.Email); err != nil {
		return err
	}
	recs, err := s.store.FindByEmail(ctx, target, req.Email)
	if err != nil {
		return err
	}
	if err := s.SendUIDReminders(ctx, tree, recs); err != nil {
		s.logger.Error("Failed to send uid reminders", zap.Error(err))
	}
	return nil
}

// CheckReset validates a reset link. Every failure is ErrInvalidResetRequest;
// the reason is only logged.
func (s *AccountService) CheckReset(ctx context.Context, tree *models.DirectoryTree, uid, token string) error {
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}
	_, err = s.resetRecord(ctx, tree, target, uid, token)
	return err
}

// resetRecord looks up uid and validates token against it
func (s *AccountService) resetRecord(ctx context.Context, tree *models.DirectoryTree, target directory.Target, uid, token string) (*account.Record, error) {
	rec, err := s.store.FindByUID(ctx, target, uid)
	if err != nil {
		var malformed *account.MalformedRecordError
		if errors.Is(err, account.ErrNotFound) || errors.As(err, &malformed) {
			s.logger.Warn("Reset check for unusable account",
				zap.String("tree", tree.Slug), zap.String("uid", uid), zap.Error(err))
			return nil, ErrInvalidResetRequest
		}
		return nil, err
	}

	if err := s.tokens.Validate(rec, token, s.now()); err != nil {
		s.logger.Warn("Reset check failed",
			zap.String("tree", tree.Slug), zap.String("uid", uid), zap.Error(err))
		return nil, ErrInvalidResetRequest
	}
	return rec, nil
}

// ResetPassword re-validates token and then sets the new password. The
// password is only written if the entry is unchanged since validation, so
// concurrent resets with one token cannot both succeed.
func (s *AccountService) ResetPassword(ctx context.Context, tree *models.DirectoryTree, uid, token, newPassword string) error {
	target, err := TreeTarget(tree)
	if err != nil {
		return err
	}
	rec, err := s.resetRecord(ctx, tree, target, uid, token)
	if err != nil {
		return err
	}

	err = s.changePassword(ctx, tree, target, rec, newPassword)
	if errors.Is(err, account.ErrStale) {
		s.logger.Warn("Reset token spent concurrently",
			zap.String("tree", tree.Slug), zap.String("uid", uid), zap.Error(err))
		return ErrInvalidResetRequest
	}
	if err != nil {
		return err
	}
	s.logger.Info("Password reset", zap.String("tree", tree.Slug), zap.String("uid", uid))
	return nil
}
