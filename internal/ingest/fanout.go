package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/queue"
)

// Embedder indexes interactions for semantic search
type Embedder interface {
	Embed(ctx context.Context, interactions []db.Interaction) error
}

// Scorer rates how valuable a relationship with a contact is, in [0, 1]
type Scorer interface {
	Score(ctx context.Context, contact *db.Contact) (float64, error)
}

// EmbedPayload is the payload of an embed job
type EmbedPayload struct {
	InteractionIDs []string `json:"interactionIds" validate:"required,min=1,dive,required"`
}

// InsightPayload is the payload of an insight job
type InsightPayload struct {
	ContactID string `json:"contactId" validate:"required"`
}

// fanOut enqueues follow-up work for what a normalize run created
func (p *Pipeline) fanOut(ctx context.Context, job *db.Job, res *batchResult) error {
	var batchID string
	if job.BatchID != nil {
		batchID = *job.BatchID
	}

	if p.embedder != nil && len(res.interactions) > 0 {
		_, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
			UserID:  job.UserID,
			Kind:    KindEmbed,
			Payload: EmbedPayload{InteractionIDs: res.interactions},
			BatchID: batchID,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue embed job: %w", err)
		}
	}

	if p.scorer != nil {
		contacts := make([]string, 0, len(res.contacts))
		for id := range res.contacts {
			contacts = append(contacts, id)
		}
		sort.Strings(contacts)

		for _, id := range contacts {
			_, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
				UserID:  job.UserID,
				Kind:    KindInsight,
				Payload: InsightPayload{ContactID: id},
				BatchID: batchID,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue insight job: %w", err)
			}
		}
	}

	res.interactions = nil
	res.contacts = make(map[string]bool)
	return nil
}

// HandleEmbed is the queue handler for embed jobs
func (p *Pipeline) HandleEmbed(ctx context.Context, job *db.Job) error {
	if p.embedder == nil {
		return queue.Permanent(fmt.Errorf("%w: no embedder configured", queue.ErrUnknownKind))
	}

	var payload EmbedPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}
	if err := validate.Struct(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err))
	}

	interactions, err := p.store.GetInteractions(ctx, payload.InteractionIDs)
	if err != nil {
		return fmt.Errorf("failed to load interactions: %w", err)
	}
	if len(interactions) == 0 {
		return nil
	}

	return p.embedder.Embed(ctx, interactions)
}

// HandleInsight is the queue handler for insight jobs
func (p *Pipeline) HandleInsight(ctx context.Context, job *db.Job) error {
	if p.scorer == nil {
		return queue.Permanent(fmt.Errorf("%w: no scorer configured", queue.ErrUnknownKind))
	}

	var payload InsightPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}
	if err := validate.Struct(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err))
	}

	contact, err := p.store.GetContact(ctx, payload.ContactID)
	if db.IsNotFound(err) {
		return queue.Permanent(fmt.Errorf("contact %s: %w", payload.ContactID, err))
	}
	if err != nil {
		return err
	}

	score, err := p.scorer.Score(ctx, contact)
	if err != nil {
		return err
	}
	score = math.Max(0, math.Min(1, score))

	if err := p.store.SetContactInsightScore(ctx, contact.ID, score, p.now()); err != nil {
		return fmt.Errorf("failed to store insight score: %w", err)
	}

	p.logger.Debug("insight scored", "contact_id", contact.ID, "score", score)
	return nil
}

// ActivityStore is what ActivityScorer reads; *db.DB implements it
type ActivityStore interface {
	CountContactInteractions(ctx context.Context, contactID string) (int, error)
	LatestContactInteraction(ctx context.Context, contactID string) (*db.Interaction, error)
}

// ActivityScorer scores contacts by how often and how recently the user
// interacted with them. Frequency saturates at Saturation interactions and
// recency halves every HalfLife.
type ActivityScorer struct {
	Store      ActivityStore
	Saturation int
	HalfLife   time.Duration
	Now        func() time.Time
}

// NewActivityScorer creates a scorer with a 20 interaction saturation and a
// 30 day half life
func NewActivityScorer(store ActivityStore) *ActivityScorer {
	return &ActivityScorer{
		Store:      store,
		Saturation: 20,
		HalfLife:   30 * 24 * time.Hour,
		Now:        time.Now,
	}
}

// Score averages a frequency and a recency component
func (s *ActivityScorer) Score(ctx context.Context, contact *db.Contact) (float64, error) {
	n, err := s.Store.CountContactInteractions(ctx, contact.ID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	latest, err := s.Store.LatestContactInteraction(ctx, contact.ID)
	if err != nil {
		return 0, err
	}

	frequency := math.Min(1, float64(n)/float64(s.Saturation))

	age := s.Now().Sub(latest.OccurredAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp2(-float64(age) / float64(s.HalfLife))

	return (frequency + recency) / 2, nil
}
