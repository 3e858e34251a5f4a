package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		kind string
		raw  string
		want string
	}{
		{"email lowercased", KindEmail, "  Alice@Example.COM ", "alice@example.com"},
		{"email with name", KindEmail, "Alice Smith <Alice@example.com>", "alice@example.com"},
		{"phone national", KindPhone, "(415) 555-2671", "+14155552671"},
		{"phone international", KindPhone, "+44 20 7946 0958", "+442079460958"},
		{"handle strips at", KindHandle, "@AliceS", "alices"},
		{"provider id trimmed only", KindProviderID, "  U02AbC ", "U02AbC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.kind, tt.raw, "US")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		kind string
		raw  string
		want error
	}{
		{"empty", KindEmail, "   ", ErrInvalidIdentity},
		{"not an email", KindEmail, "alice", ErrInvalidIdentity},
		{"short phone", KindPhone, "12-34", ErrInvalidIdentity},
		{"bare at", KindHandle, "@@", ErrInvalidIdentity},
		{"unknown kind", "fax", "123", ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.kind, tt.raw, "US")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "noreply", LocalPart("noreply@service.com"))
	assert.Equal(t, "plain", LocalPart("plain"))
}

func TestValidKind(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, ValidKind(k), k)
	}
	assert.False(t, ValidKind("fax"))
}
