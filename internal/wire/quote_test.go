package wire

import "testing"

func TestEscapeLiteral_Valid(t *testing.T) {
	got, err := EscapeLiteral("tenant-one.prod_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "'tenant-one.prod_1'" {
		t.Fatalf("got %q", got)
	}
}

func TestEscapeLiteral_RejectsQuote(t *testing.T) {
	if _, err := EscapeLiteral("a'; drop table x; --"); err == nil {
		t.Fatalf("expected error for single quote")
	}
}

func TestEscapeLiteral_RejectsWhitespaceAndSemicolon(t *testing.T) {
	cases := []string{"a b", "a;b", "a$b", "a\"b"}
	for _, c := range cases {
		if _, err := EscapeLiteral(c); err == nil {
			t.Fatalf("%q: expected error", c)
		}
	}
}

func TestEscapeSetValue_DoublesQuotes(t *testing.T) {
	got := EscapeSetValue("O'Brien's value")
	if got != "'O''Brien''s value'" {
		t.Fatalf("got %q", got)
	}
}

func TestEscapeSetValue_NeverFails(t *testing.T) {
	// Values with commas, braces, spaces are all accepted; this
	// exercises values a resolver could plausibly return.
	got := EscapeSetValue(`{a,b,"c"}; -- comment`)
	if got == "" {
		t.Fatalf("expected a non-empty literal")
	}
}

func TestQuoteIdent_Valid(t *testing.T) {
	got, err := QuoteIdent("search_path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `"search_path"` {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteIdent_RejectsEmptyAndSpecialChars(t *testing.T) {
	cases := []string{"", "a-b", "a.b", `a"b`, "a b"}
	for _, c := range cases {
		if _, err := QuoteIdent(c); err == nil {
			t.Fatalf("%q: expected error", c)
		}
	}
}

func TestQuoteIdent_RejectsEmbeddedQuote(t *testing.T) {
	if _, err := QuoteIdent(`weird"ident`); err == nil {
		t.Fatalf("expected rejection of embedded double quote")
	}
}
