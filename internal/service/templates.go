package service

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/EDRN/biokey/internal/database/models"
)

// MessageData is what message templates can refer to
type MessageData struct {
	UID         string
	Consortium  string
	Title       string
	FirstName   string
	LastName    string
	Phone       string
	Email       string
	Link        string
	URL         string
	Window      string
	Expiration  string
	HelpAddress string
}

type messageKind int

const (
	creationMessage messageKind = iota
	resetMessage
	uidReminderMessage
	notificationMessage
	approvalMessage
	rejectionMessage
	externalResetMessage
)

var messageNames = map[messageKind]string{
	creationMessage:      "creation",
	resetMessage:         "reset",
	uidReminderMessage:   "uid_reminder",
	notificationMessage:  "notification",
	approvalMessage:      "approval",
	rejectionMessage:     "rejection",
	externalResetMessage: "external_reset",
}

const defaultCreationTemplate = `Hello!

Your account, "{{.UID}}", has been created for {{.Title}}. Please note:

1. The account is pending. An administrator will review it and either approve or reject it. You won't have access to data or resources until it's approved.

2. Meanwhile you can set the account's password. Visit this link within {{.Window}}:

{{.Link}}

The link expires on {{.Expiration}} (UTC). If you miss it, go to {{.URL}} and use "Forgotten password" to get a fresh link.

Thank you.
`

const defaultResetTemplate = `Hello!

Someone, perhaps you, asked to reset the password for the account "{{.UID}}".

To do so, visit this link within {{.Window}}:

{{.Link}}

The link expires on {{.Expiration}} (UTC). If you miss it, return to {{.URL}} and start the forgotten password process again.

If you didn't ask for this, simply ignore this email.

Thank you.
`

const defaultUIDReminderTemplate = `Hello!

Someone, perhaps you, asked for the username of the {{.Consortium}} account that goes with this email address.

The username is: {{.UID}}

Visit {{.URL}} to change the password for "{{.UID}}" if you know it, or to reset it if you don't.

If you didn't ask for this, simply ignore this email.

Thank you.
`

const defaultNotificationTemplate = `Notice:

{{.FirstName}} {{.LastName}} registered for a "{{.Title}}" account with the user ID "{{.UID}}".

The account is pending approval. Visit {{.URL}} as an administrator to approve or reject it.

Contact details they provided:

Phone: {{.Phone}}
Email: {{.Email}}

Thanks,
BioKey
`

const defaultApprovalTemplate = `Greetings {{.FirstName}} {{.LastName}}:

Your account, "{{.UID}}", has been approved and you can now use {{.Consortium}} applications with expanded access.

If you need to change or reset your password, visit {{.URL}}

Thank you.
`

const defaultRejectionTemplate = `Greetings {{.FirstName}} {{.LastName}}:

Your account, "{{.UID}}", was rejected for {{.Consortium}} and has been deleted.

We regret any inconvenience.
`

const defaultExternalResetTemplate = `Your account, "{{.UID}}", is managed by the Data Management and Coordinating Center (DMCC) of the Early Detection Research Network.

To reset its password, please visit the DMCC website:

https://www.compass.fhcrc.org/edrns/pub/user/resetPwd.aspx

If you didn't ask for this, simply ignore this email.

Thank you.
`

func templateSource(tree *models.DirectoryTree, kind messageKind) string {
	t := tree.Templates
	var custom, fallback string
	switch kind {
	case creationMessage:
		custom, fallback = t.Creation, defaultCreationTemplate
	case resetMessage:
		custom, fallback = t.Reset, defaultResetTemplate
	case uidReminderMessage:
		custom, fallback = t.UIDReminder, defaultUIDReminderTemplate
	case notificationMessage:
		custom, fallback = t.Notification, defaultNotificationTemplate
	case approvalMessage:
		custom, fallback = t.Approval, defaultApprovalTemplate
	case rejectionMessage:
		custom, fallback = t.Rejection, defaultRejectionTemplate
	case externalResetMessage:
		custom, fallback = t.ExternalReset, defaultExternalResetTemplate
	}
	if strings.TrimSpace(custom) == "" {
		return fallback
	}
	return custom
}

func renderMessage(tree *models.DirectoryTree, kind messageKind, data MessageData) (string, error) {
	name := messageNames[kind]
	tmpl, err := template.New(name).Option("missingkey=error").Parse(templateSource(tree, kind))
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template for tree %s: %w", name, tree.Slug, err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %s template for tree %s: %w", name, tree.Slug, err)
	}
	return b.String(), nil
}

// ValidateTemplates checks that every custom template on tree parses
func ValidateTemplates(tree *models.DirectoryTree) error {
	for kind, name := range messageNames {
		if _, err := template.New(name).Parse(templateSource(tree, kind)); err != nil {
			return fmt.Errorf("invalid %s template for tree %s: %w", name, tree.Slug, err)
		}
	}
	return nil
}
