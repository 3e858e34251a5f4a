package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/go-playground/validator/v10"
	"github.com/livinlefevreloca/ingestd/internal/identity"
	"github.com/livinlefevreloca/ingestd/internal/queue"
)

// Interaction types an event can carry
const (
	TypeEmail   = "email"
	TypeMeeting = "meeting"
	TypeCall    = "call"
	TypeMessage = "message"
)

// ErrNoParticipants means an event names nobody to resolve
var ErrNoParticipants = errors.New("ingest: event has no participants")

var validate = validator.New()

// EventPayload is the provider-neutral shape of a raw event payload. Mail
// headers keep their RFC 5322 form; calendar and chat providers list
// participants explicitly.
type EventPayload struct {
	Type       string    `json:"type" validate:"required,oneof=email meeting call message"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
	Subject    string    `json:"subject,omitempty" validate:"max=998"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Cc   string `json:"cc,omitempty"`

	Participants []ParticipantPayload `json:"participants,omitempty" validate:"dive"`
}

// ParticipantPayload is one explicitly listed participant
type ParticipantPayload struct {
	Name       string `json:"name,omitempty" validate:"max=255"`
	Email      string `json:"email,omitempty" validate:"max=320"`
	Phone      string `json:"phone,omitempty" validate:"max=64"`
	Handle     string `json:"handle,omitempty" validate:"max=255"`
	ProviderID string `json:"providerId,omitempty" validate:"max=255"`
}

// DecodeEvent parses and validates a raw event payload. Every failure is
// permanent: the payload is immutable, so retrying cannot fix it.
func DecodeEvent(raw string) (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err))
	}
	if err := validate.Struct(&p); err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err))
	}
	return &p, nil
}

// People lists the people an event references, sender first, then
// recipients, then explicitly listed participants. senders is how many of
// the leading entries came from the From header.
func (p *EventPayload) People() (people []identity.Participant, senders int, err error) {
	for _, header := range []struct{ name, value string }{
		{"from", p.From},
		{"to", p.To},
		{"cc", p.Cc},
	} {
		if strings.TrimSpace(header.value) == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(header.value)
		if err != nil {
			return nil, 0, queue.Permanent(fmt.Errorf("%w: %s header: %v", queue.ErrMalformedPayload, header.name, err))
		}
		for _, a := range addrs {
			people = append(people, identity.Participant{
				DisplayName: a.Name,
				Identities:  []identity.Identity{{Kind: identity.KindEmail, Value: a.Address}},
			})
		}
		if header.name == "from" {
			senders = len(people)
		}
	}

	for _, pp := range p.Participants {
		var idents []identity.Identity
		for _, id := range []identity.Identity{
			{Kind: identity.KindEmail, Value: pp.Email},
			{Kind: identity.KindPhone, Value: pp.Phone},
			{Kind: identity.KindHandle, Value: pp.Handle},
			{Kind: identity.KindProviderID, Value: pp.ProviderID},
		} {
			if strings.TrimSpace(id.Value) != "" {
				idents = append(idents, id)
			}
		}
		if len(idents) > 0 {
			people = append(people, identity.Participant{DisplayName: pp.Name, Identities: idents})
		}
	}

	return people, senders, nil
}
