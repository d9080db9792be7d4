package template

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

func TestExtractVariables(t *testing.T) {
	t.Parallel()

	got := ExtractVariables("Hi {{2}}, order {{1}} for {{2}} ships {{ 3 }}; {{0}} {{x}}")
	want := []int{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if got := ExtractVariables("no variables"); len(got) != 0 {
		t.Fatalf("expected no variables, got %v", got)
	}
}

func TestRender_Success(t *testing.T) {
	t.Parallel()

	out, err := Render("Hallo {{1}}, Ihre Bestellung {{2}} wurde versandt. Danke {{1}}!", map[int]string{
		1: "Anna",
		2: "#4711",
		9: "unused",
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := "Hallo Anna, Ihre Bestellung #4711 wurde versandt. Danke Anna!"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestRender_MissingIsAllOrNothing(t *testing.T) {
	t.Parallel()

	out, err := Render("{{1}} {{2}} {{3}}", map[int]string{2: "b", 3: ""})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if out != "" {
		t.Fatalf("expected no partial output, got %q", out)
	}

	var mv *MissingVariableError
	if !errors.As(err, &mv) {
		t.Fatalf("expected MissingVariableError, got %T", err)
	}
	if !reflect.DeepEqual(mv.Indices, []int{1, 3}) {
		t.Fatalf("expected missing [1 3], got %v", mv.Indices)
	}
	if !strings.Contains(err.Error(), "{{1}}") || !strings.Contains(err.Error(), "{{3}}") {
		t.Fatalf("expected message to list indices, got %q", err.Error())
	}
}

func TestConvertNamedPlaceholders(t *testing.T) {
	t.Parallel()

	body, mapping := ConvertNamedPlaceholders("Hallo [%VORNAME%], Termin am [%DATUM%]. Bis bald [%VORNAME%]!")
	if body != "Hallo {{1}}, Termin am {{2}}. Bis bald {{1}}!" {
		t.Fatalf("unexpected body %q", body)
	}
	want := map[int]string{1: "[%VORNAME%]", 2: "[%DATUM%]"}
	if !reflect.DeepEqual(mapping, want) {
		t.Fatalf("expected %v, got %v", want, mapping)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := Template{Name: "order_shipped", Body: "Hi {{1}}", Examples: map[int]string{1: "Anna"}}
	if err := Validate(ok); err != nil {
		t.Fatalf("expected valid template, got %v", err)
	}

	bad := Template{
		Name:   "Order Shipped",
		Body:   "Hi {{1}} {{2}}",
		Footer: strings.Repeat("x", MaxFooterChars+1),
	}
	err := Validate(bad)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error in %v", err)
	}
	var mv *MissingVariableError
	if !errors.As(err, &mv) || !reflect.DeepEqual(mv.Indices, []int{1, 2}) {
		t.Fatalf("expected missing examples for [1 2], got %v", err)
	}
	for _, field := range []string{"name", "footer"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected error mentioning %s, got %v", field, err)
		}
	}

	long := Template{Name: "x", Body: strings.Repeat("a", MaxBodyChars+1)}
	if err := Validate(long); err == nil || !strings.Contains(err.Error(), "body") {
		t.Fatalf("expected body length error, got %v", err)
	}
}
