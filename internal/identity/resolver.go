package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/ingestd/internal/db"
)

// ErrNoIdentity means a participant carried no usable identifier
var ErrNoIdentity = errors.New("identity: no valid identifier")

// Resolution methods
const (
	MethodExact   = "exact"
	MethodFuzzy   = "fuzzy"
	MethodCreated = "created"
	MethodIgnored = "ignored"
)

// Store is the contact persistence the resolver needs; *db.DB implements it
type Store interface {
	FindIdentity(ctx context.Context, userID, kind, value string) (*db.ContactIdentity, error)
	AddIdentity(ctx context.Context, ident *db.ContactIdentity) (bool, error)
	CreateContactWithIdentity(ctx context.Context, c *db.Contact, ident *db.ContactIdentity) error
	GetContacts(ctx context.Context, userID string, limit int) ([]db.Contact, error)
}

// Config holds identity resolution settings
type Config struct {
	// Minimum display-name similarity for a fuzzy merge; 0 disables fuzzy matching
	FuzzyThreshold float64 `toml:"fuzzy_threshold"`

	// How many recent contacts a fuzzy match considers
	FuzzyCandidateLimit int `toml:"fuzzy_candidate_limit"`

	// Region assumed for phone numbers without a country code
	DefaultRegion string `toml:"default_region"`

	// Email local-part prefixes of automated senders
	NoReplyPrefixes []string `toml:"noreply_prefixes"`
}

// DefaultConfig returns identity resolution defaults
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:      0.88,
		FuzzyCandidateLimit: 200,
		DefaultRegion:       "US",
		NoReplyPrefixes:     []string{"noreply", "no-reply", "donotreply", "do-not-reply", "mailer-daemon"},
	}
}

// Validate checks the identity configuration
func (c Config) Validate() error {
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold >= 1 {
		return fmt.Errorf("identity fuzzy_threshold must be in [0, 1), got %v", c.FuzzyThreshold)
	}
	if c.FuzzyThreshold > 0 && c.FuzzyCandidateLimit <= 0 {
		return fmt.Errorf("identity fuzzy_candidate_limit must be positive, got %d", c.FuzzyCandidateLimit)
	}
	if len(c.DefaultRegion) != 2 {
		return fmt.Errorf("identity default_region must be a two-letter region code, got %q", c.DefaultRegion)
	}
	return nil
}

// Participant is one person referenced by an event, with every identifier
// the event exposes for them
type Participant struct {
	DisplayName string
	Identities  []Identity
}

// Resolution is the outcome of resolving a participant
type Resolution struct {
	ContactID  string
	Method     string
	Confidence float64
	Ignored    bool
	Created    bool
}

// Resolver maps external identifiers onto deduplicated contacts
type Resolver struct {
	store  Store
	ignore *IgnoreList
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil now uses wall time.
func NewResolver(store Store, ignore *IgnoreList, config Config, now func() time.Time, logger *slog.Logger) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:  store,
		ignore: ignore,
		config: config,
		now:    now,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve maps a single identifier to a contact
func (r *Resolver) Resolve(ctx context.Context, userID string, id Identity) (*Resolution, error) {
	return r.ResolveParticipant(ctx, userID, Participant{Identities: []Identity{id}})
}

// ResolveParticipant maps a participant to a contact, creating one only when
// no identifier or name matches. A participant with any ignored identifier
// is ignored as a whole.
//
// Concurrent calls for the same new identifier converge on one contact: the
// identity unique index rejects the loser's insert and the loser re-reads
// the winner.
func (r *Resolver) ResolveParticipant(ctx context.Context, userID string, p Participant) (*Resolution, error) {
	// 1. Normalize, dropping unusable identifiers
	idents := r.normalize(p.Identities)
	if len(idents) == 0 {
		return nil, ErrNoIdentity
	}

	// 2. Denylist
	for _, id := range idents {
		ignored, err := r.ignore.IsIgnored(ctx, userID, id.Kind, id.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to check ignored %s: %w", id.Kind, err)
		}
		if ignored {
			r.logger.Debug("participant ignored", "user_id", userID, "identity", id.String())
			return &Resolution{Method: MethodIgnored, Ignored: true}, nil
		}
	}

	// 3. Exact match in priority order
	for _, id := range idents {
		owner, err := r.store.FindIdentity(ctx, userID, id.Kind, id.Value)
		if db.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", id.Kind, err)
		}

		if err := r.attach(ctx, userID, owner.ContactID, idents, 1.0); err != nil {
			return nil, err
		}
		return &Resolution{ContactID: owner.ContactID, Method: MethodExact, Confidence: 1.0}, nil
	}

	// 4. Bounded fuzzy match on display name
	contactID, score, err := r.fuzzyMatch(ctx, userID, p.DisplayName)
	if err != nil {
		return nil, err
	}
	if contactID != "" {
		if err := r.attach(ctx, userID, contactID, idents, score); err != nil {
			return nil, err
		}
		r.logger.Debug("participant fuzzy matched", "user_id", userID, "contact_id", contactID, "score", score)
		return &Resolution{ContactID: contactID, Method: MethodFuzzy, Confidence: score}, nil
	}

	// 5. Create, or adopt the contact of whoever created it first
	return r.create(ctx, userID, p.DisplayName, idents)
}

// normalize canonicalizes identities, drops invalid and repeated ones, and
// orders them by kind priority
func (r *Resolver) normalize(in []Identity) []Identity {
	seen := make(map[Identity]bool, len(in))
	out := make([]Identity, 0, len(in))

	for _, id := range in {
		value, err := Normalize(id.Kind, id.Value, r.config.DefaultRegion)
		if err != nil {
			r.logger.Debug("skipping identifier", "kind", id.Kind, "error", err)
			continue
		}
		n := Identity{Kind: id.Kind, Value: value}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return kindRank(out[i].Kind) < kindRank(out[j].Kind)
	})
	return out
}

func kindRank(kind string) int {
	for i, k := range Kinds {
		if k == kind {
			return i
		}
	}
	return len(Kinds)
}

// fuzzyMatch returns the best-scoring recent contact whose display name
// reaches the threshold
func (r *Resolver) fuzzyMatch(ctx context.Context, userID, name string) (string, float64, error) {
	if r.config.FuzzyThreshold <= 0 || FoldName(name) == "" {
		return "", 0, nil
	}

	candidates, err := r.store.GetContacts(ctx, userID, r.config.FuzzyCandidateLimit)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load fuzzy candidates: %w", err)
	}

	var best string
	var bestScore float64
	for _, c := range candidates {
		score := NameSimilarity(name, c.DisplayName)
		if score >= r.config.FuzzyThreshold && score > bestScore {
			best, bestScore = c.ID, score
		}
	}

	return best, bestScore, nil
}

// create inserts a new contact keyed by the highest-priority identifier
func (r *Resolver) create(ctx context.Context, userID, name string, idents []Identity) (*Resolution, error) {
	now := r.now()
	primary := idents[0]

	contact := &db.Contact{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: name,
		CreatedAt:   now,
	}
	ident := &db.ContactIdentity{
		ID:              uuid.NewString(),
		UserID:          userID,
		Kind:            primary.Kind,
		NormalizedValue: primary.Value,
		Confidence:      1.0,
		CreatedAt:       now,
	}

	err := r.store.CreateContactWithIdentity(ctx, contact, ident)
	if db.IsDuplicate(err) {
		// Lost the race; the winner's contact is now visible
		owner, findErr := r.store.FindIdentity(ctx, userID, primary.Kind, primary.Value)
		if findErr != nil {
			return nil, fmt.Errorf("failed to re-read %s after conflict: %w", primary.Kind, findErr)
		}
		if err := r.attach(ctx, userID, owner.ContactID, idents[1:], 1.0); err != nil {
			return nil, err
		}
		return &Resolution{ContactID: owner.ContactID, Method: MethodExact, Confidence: 1.0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	if err := r.attach(ctx, userID, contact.ID, idents[1:], 1.0); err != nil {
		return nil, err
	}

	r.logger.Info("contact created", "user_id", userID, "contact_id", contact.ID, "identity", primary.String())
	return &Resolution{ContactID: contact.ID, Method: MethodCreated, Confidence: 1.0, Created: true}, nil
}

// attach links identities to contactID. Identities already owned by any
// contact are left where they are.
func (r *Resolver) attach(ctx context.Context, userID, contactID string, idents []Identity, confidence float64) error {
	now := r.now()
	for _, id := range idents {
		_, err := r.store.AddIdentity(ctx, &db.ContactIdentity{
			ID:              uuid.NewString(),
			UserID:          userID,
			ContactID:       contactID,
			Kind:            id.Kind,
			NormalizedValue: id.Value,
			Confidence:      confidence,
			CreatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("failed to attach %s to contact %s: %w", id.Kind, contactID, err)
		}
	}
	return nil
}
