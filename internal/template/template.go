// Package template resolves WhatsApp-style {{n}} placeholders.
//
// Rendering is all-or-nothing: if any declared variable has no value the
// call fails with a MissingVariableError naming every unresolved index and
// no partially substituted text is returned.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

const (
	MaxBodyChars   = 1024
	MaxFooterChars = 60
)

var (
	varPattern   = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)
	namedPattern = regexp.MustCompile(`\[%[A-Z_]+%\]`)
	namePattern  = regexp.MustCompile(`^[a-z0-9_]+$`)
)

type MissingVariableError struct {
	Indices []int
}

func (e *MissingVariableError) Error() string {
	parts := make([]string, len(e.Indices))
	for i, idx := range e.Indices {
		parts[i] = fmt.Sprintf("{{%d}}", idx)
	}
	return "missing values for template variables " + strings.Join(parts, ", ")
}

// ExtractVariables returns the distinct variable indices used in tmpl in
// ascending order.
func ExtractVariables(tmpl string) []int {
	seen := map[int]struct{}{}
	for _, m := range varPattern.FindAllStringSubmatch(tmpl, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		seen[n] = struct{}{}
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Render substitutes every {{n}} in tmpl with values[n]. Empty values count
// as missing.
func Render(tmpl string, values map[int]string) (string, error) {
	var missing []int
	for _, idx := range ExtractVariables(tmpl) {
		if values[idx] == "" {
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		return "", &MissingVariableError{Indices: missing}
	}

	return varPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		m := varPattern.FindStringSubmatch(tok)
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return tok
		}
		return values[n]
	}), nil
}

// ConvertNamedPlaceholders rewrites [%NAME%] placeholders into numbered
// variables in first-seen order. The returned mapping goes from index to the
// original placeholder.
func ConvertNamedPlaceholders(body string) (string, map[int]string) {
	mapping := map[int]string{}
	index := map[string]int{}

	converted := namedPattern.ReplaceAllStringFunc(body, func(ph string) string {
		n, ok := index[ph]
		if !ok {
			n = len(index) + 1
			index[ph] = n
			mapping[n] = ph
		}
		return "{{" + strconv.Itoa(n) + "}}"
	})
	return converted, mapping
}

type Template struct {
	Name     string         `json:"name"`
	Body     string         `json:"body"`
	Footer   string         `json:"footer,omitempty"`
	Examples map[int]string `json:"examples,omitempty"`
}

// Validate checks that a template is complete enough to submit: a valid
// name, a bounded body and footer, and an example value for every variable.
func Validate(t Template) error {
	var errs []error

	switch {
	case t.Name == "":
		errs = append(errs, apperr.Invalid("name", "required"))
	case !namePattern.MatchString(t.Name):
		errs = append(errs, apperr.Invalid("name", "only lowercase letters, digits and underscores"))
	}

	switch {
	case strings.TrimSpace(t.Body) == "":
		errs = append(errs, apperr.Invalid("body", "required"))
	case utf8.RuneCountInString(t.Body) > MaxBodyChars:
		errs = append(errs, apperr.Invalid("body", fmt.Sprintf("at most %d characters", MaxBodyChars)))
	}

	if utf8.RuneCountInString(t.Footer) > MaxFooterChars {
		errs = append(errs, apperr.Invalid("footer", fmt.Sprintf("at most %d characters", MaxFooterChars)))
	}

	if _, err := Render(t.Body, t.Examples); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
