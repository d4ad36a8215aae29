package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/directory"
)

const (
	suffixMin = 100
	suffixMax = 399
)

// ErrEmptyAccountName is returned when a name has no letters to build an account name from
var ErrEmptyAccountName = errors.New("name contains no letters to build an account name from")

// ExhaustedRetriesError reports that every candidate account name was taken
type ExhaustedRetriesError struct {
	Base     string
	Attempts int
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("tried %d variations on %q but none were free", e.Attempts, e.Base)
}

// Candidate builds the unsuffixed account name: first initial and last name,
// letters only, lowercased and cut to bound characters
func Candidate(firstName, lastName string, bound int) string {
	raw := lastName
	if first := []rune(strings.TrimSpace(firstName)); len(first) > 0 {
		raw = string(first[0]) + lastName
	}

	var b strings.Builder
	for _, r := range raw {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}

	name := strings.ToLower(b.String())
	if bound > 0 && len(name) > bound {
		name = name[:bound]
	}
	return name
}

// NameGenerator picks unused account names. The check and the later create
// are not atomic; a concurrent signup can take the name in between, which
// then surfaces as an entry-exists error from the create.
type NameGenerator struct {
	client   *directory.Client
	bound    int
	attempts int
	suffix   func() (int, error)
	logger   *zap.Logger
}

// NewNameGenerator creates a generator producing names of at most bound
// characters before suffixing and trying at most attempts candidates
func NewNameGenerator(client *directory.Client, bound, attempts int, logger *zap.Logger) *NameGenerator {
	return &NameGenerator{
		client:   client,
		bound:    bound,
		attempts: attempts,
		suffix:   randomSuffix,
		logger:   logger,
	}
}

func randomSuffix() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(suffixMax-suffixMin+1))
	if err != nil {
		return 0, fmt.Errorf("failed to pick suffix: %w", err)
	}
	return suffixMin + int(n.Int64()), nil
}

// Generate returns an account name not currently used in target. All
// candidates are checked over a single connection.
func (g *NameGenerator) Generate(ctx context.Context, target directory.Target, firstName, lastName string) (string, error) {
	base := Candidate(firstName, lastName, g.bound)
	if base == "" {
		return "", ErrEmptyAccountName
	}

	var uid string
	err := g.client.WithConnection(ctx, target, func(s *directory.Session) error {
		candidate := base
		for attempt := 1; attempt <= g.attempts; attempt++ {
			entries, err := s.Search("(uid="+ldap.EscapeFilter(candidate)+")", "uid")
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				uid = candidate
				return nil
			}

			n, err := g.suffix()
			if err != nil {
				return err
			}
			candidate = base + strconv.Itoa(n)
		}
		return &ExhaustedRetriesError{Base: base, Attempts: g.attempts}
	})
	if err != nil {
		return "", err
	}

	g.logger.Info("Generated account name",
		zap.String("first_name", firstName),
		zap.String("last_name", lastName),
		zap.String("uid", uid),
	)
	return uid, nil
}
