package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/emersion/go-message/mail"
	"github.com/nyaruka/phonenumbers"
)

// Identity kinds
const (
	KindEmail      = "email"
	KindPhone      = "phone"
	KindHandle     = "handle"
	KindProviderID = "providerId"
)

// Kinds lists identity kinds in exact-match priority order
var Kinds = []string{KindEmail, KindPhone, KindHandle, KindProviderID}

// minPhoneDigits is the shortest digits-only fallback accepted as a phone
const minPhoneDigits = 7

var (
	ErrInvalidIdentity = errors.New("identity: invalid identifier")
	ErrUnknownKind     = errors.New("identity: unknown identity kind")
)

// Identity is one externally observed identifier
type Identity struct {
	Kind  string
	Value string
}

func (i Identity) String() string {
	return i.Kind + ":" + i.Value
}

// ValidKind reports whether kind is a known identity kind
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Normalize canonicalizes raw for kind. Phone numbers are parsed against
// region when they carry no country code.
func Normalize(kind, raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentity, kind)
	}

	switch kind {
	case KindEmail:
		return normalizeEmail(raw)
	case KindPhone:
		return normalizePhone(raw, region)
	case KindHandle:
		h := strings.ToLower(strings.TrimLeft(raw, "@"))
		if h == "" {
			return "", fmt.Errorf("%w: empty handle", ErrInvalidIdentity)
		}
		return h, nil
	case KindProviderID:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// normalizeEmail accepts a bare address or an RFC 5322 "Name <addr>" form
func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: email %q: %v", ErrInvalidIdentity, raw, err)
	}
	return strings.ToLower(addr.Address), nil
}

// normalizePhone formats raw as E.164, falling back to its digits when the
// number cannot be parsed for region
func normalizePhone(raw, region string) (string, error) {
	if num, err := phonenumbers.Parse(raw, region); err == nil && phonenumbers.IsPossibleNumber(num) {
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if len(digits) < minPhoneDigits {
		return "", fmt.Errorf("%w: phone %q", ErrInvalidIdentity, raw)
	}
	return digits, nil
}

// LocalPart returns the part of an email address before the last '@'
func LocalPart(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}
