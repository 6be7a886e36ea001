// Addressing sum type.
//
// A draft letter is addressed either to a known account (user reference or
// pen-pal match token) or to a contact identifier (email, phone, postal
// address) that may or may not map to an account. The concrete types below
// form a sealed set; the resolver switches over them exhaustively.
package domain

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// AddressingKind tags the persisted form of an Addressing value.
type AddressingKind string

const (
	AddrUserReference AddressingKind = "USER_REFERENCE"
	AddrEmail         AddressingKind = "EMAIL"
	AddrPhone         AddressingKind = "PHONE"
	AddrPostalAddress AddressingKind = "POSTAL_ADDRESS"
	AddrPenPalMatch   AddressingKind = "PEN_PAL_MATCH"
)

// Addressing is the sealed interface over the five addressing variants.
// Raw returns the caller-supplied input verbatim; it is persisted unchanged
// for audit and re-routing even after the recipient resolves.
type Addressing interface {
	Kind() AddressingKind
	Raw() string
	sealed()
}

// UserReference addresses a letter directly to an account by id.
type UserReference struct{ UserID string }

// Email addresses a letter by the recipient's registered email.
type Email struct{ Address string }

// Phone addresses a letter by the recipient's registered phone number.
type Phone struct{ Number string }

// PostalAddress addresses a letter by the recipient's registered mailing
// address, matched after aggressive normalization.
type PostalAddress struct{ Address string }

// PenPalToken addresses a letter through a pen-pal match token issued by the
// matching service.
type PenPalToken struct{ Token string }

func (UserReference) Kind() AddressingKind { return AddrUserReference }
func (Email) Kind() AddressingKind         { return AddrEmail }
func (Phone) Kind() AddressingKind         { return AddrPhone }
func (PostalAddress) Kind() AddressingKind { return AddrPostalAddress }
func (PenPalToken) Kind() AddressingKind   { return AddrPenPalMatch }

func (a UserReference) Raw() string { return a.UserID }
func (a Email) Raw() string         { return a.Address }
func (a Phone) Raw() string         { return a.Number }
func (a PostalAddress) Raw() string { return a.Address }
func (a PenPalToken) Raw() string   { return a.Token }

func (UserReference) sealed() {}
func (Email) sealed()         {}
func (Phone) sealed()         {}
func (PostalAddress) sealed() {}
func (PenPalToken) sealed()   {}

// ParseAddressing rebuilds an Addressing value from its persisted
// (kind, raw) columns. It rejects unknown kinds and blank values.
func ParseAddressing(kind AddressingKind, raw string) (Addressing, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("addressing value is empty")
	}
	switch kind {
	case AddrUserReference:
		return UserReference{UserID: raw}, nil
	case AddrEmail:
		return Email{Address: raw}, nil
	case AddrPhone:
		return Phone{Number: raw}, nil
	case AddrPostalAddress:
		return PostalAddress{Address: raw}, nil
	case AddrPenPalMatch:
		return PenPalToken{Token: raw}, nil
	default:
		return nil, fmt.Errorf("unknown addressing kind %q", kind)
	}
}

// emailFolder lower-cases with full Unicode case folding so lookups match
// however the address was cased at registration.
var emailFolder = cases.Fold()

// NormalizeEmail canonicalizes an email identifier: trim, then Unicode case
// fold. Must match the normalization applied when the account stored it.
func NormalizeEmail(s string) string {
	return emailFolder.String(strings.TrimSpace(s))
}

// NormalizePhone canonicalizes a phone identifier by extracting digits. A
// single leading + survives so international prefixes stay distinguishable.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// postalCaser lower-cases postal text per language-neutral rules.
var postalCaser = cases.Lower(language.Und)

// NormalizePostal canonicalizes a mailing address: NFKC normalization, case
// lowering, and whitespace collapsing, so cosmetic formatting differences do
// not defeat resolution.
func NormalizePostal(s string) string {
	s = norm.NFKC.String(s)
	s = postalCaser.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizedValue returns the canonical lookup key for a, or the raw value
// for variants that are matched verbatim.
func NormalizedValue(a Addressing) string {
	switch v := a.(type) {
	case UserReference:
		return v.UserID
	case Email:
		return NormalizeEmail(v.Address)
	case Phone:
		return NormalizePhone(v.Number)
	case PostalAddress:
		return NormalizePostal(v.Address)
	case PenPalToken:
		return strings.TrimSpace(v.Token)
	default:
		// Sealed set; unreachable for values built through this package.
		return a.Raw()
	}
}
