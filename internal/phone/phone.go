// Package phone normalizes contact numbers to E.164.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

// Normalize parses raw in the context of defaultRegion (ISO 3166 code, e.g.
// "DE") and returns it in E.164 form. Numbers without a leading plus are
// read as national numbers of defaultRegion.
func Normalize(raw, defaultRegion string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", apperr.Invalid("phone", "required")
	}
	return parse(s, raw, defaultRegion)
}

// FromWaID normalizes a provider wa_id. Those are always international and
// arrive as bare digits ("491701234567"), so a plus is prefixed before parsing.
func FromWaID(raw, defaultRegion string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", apperr.Invalid("phone", "required")
	}
	if isDigits(s) {
		s = "+" + s
	}
	return parse(s, raw, defaultRegion)
}

func parse(s, raw, defaultRegion string) (string, error) {
	num, err := phonenumbers.Parse(s, strings.ToUpper(defaultRegion))
	if err != nil {
		return "", apperr.Invalid("phone", err.Error())
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", apperr.Invalid("phone", "not a possible number: "+raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
