package resolver

import "testing"

func strPtr(s string) *string { return &s }

func makeDef(name string, deps ...string) Def {
	return Def{Name: name, DependsOn: deps}
}

func TestTopologicalSort_SimpleChain(t *testing.T) {
	defs := []Def{
		makeDef("c", "b"),
		makeDef("a"),
		makeDef("b", "a"),
	}
	sorted, err := topologicalSort(defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := make([]string, len(sorted))
	for i, d := range sorted {
		names[i] = d.Name
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestTopologicalSort_CycleDetected(t *testing.T) {
	defs := []Def{makeDef("a", "b"), makeDef("b", "a")}
	if _, err := topologicalSort(defs); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestTopologicalSort_NoDeps(t *testing.T) {
	defs := []Def{makeDef("x"), makeDef("y")}
	sorted, err := topologicalSort(defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sorted) != 2 {
		t.Fatalf("len = %d, want 2", len(sorted))
	}
}

func TestSubstituteParams_Basic(t *testing.T) {
	sql := "SELECT * FROM t WHERE a = $1 AND b = $2"
	got, err := substituteParams(sql, []*string{strPtr("hello"), strPtr("world")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM t WHERE a = 'hello' AND b = 'world'"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteParams_EmbeddedQuote(t *testing.T) {
	got, err := substituteParams("SELECT * FROM t WHERE a = $1", []*string{strPtr("it's")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SELECT * FROM t WHERE a = 'it''s'" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstituteParams_ArrayLiteral(t *testing.T) {
	got, err := substituteParams("SELECT * FROM t WHERE a = ANY($1::uuid[])", []*string{strPtr("{abc,def}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SELECT * FROM t WHERE a = ANY('{abc,def}'::uuid[])" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstituteParams_NullValue(t *testing.T) {
	got, err := substituteParams("SELECT * FROM t WHERE a = $1", []*string{nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SELECT * FROM t WHERE a = NULL" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstituteParams_DescendingOrderAvoidsPrefixCollision(t *testing.T) {
	got, err := substituteParams("$1 $10", []*string{strPtr("one"), strPtr("two"), strPtr("three"),
		strPtr("four"), strPtr("five"), strPtr("six"), strPtr("seven"), strPtr("eight"), strPtr("nine"), strPtr("ten")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "'one' 'ten'"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseRowDescription_Single(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = append(payload, 0, 1) // 1 field
	payload = append(payload, []byte("org_id\x00")...)
	payload = append(payload, make([]byte, 18)...)
	names := parseRowDescription(payload)
	if len(names) != 1 || names[0] != "org_id" {
		t.Fatalf("got %v", names)
	}
}

func TestParseRowDescription_Multiple(t *testing.T) {
	payload := make([]byte, 0, 64)
	payload = append(payload, 0, 2)
	payload = append(payload, []byte("org_id\x00")...)
	payload = append(payload, make([]byte, 18)...)
	payload = append(payload, []byte("role\x00")...)
	payload = append(payload, make([]byte, 18)...)
	names := parseRowDescription(payload)
	if len(names) != 2 || names[0] != "org_id" || names[1] != "role" {
		t.Fatalf("got %v", names)
	}
}

func TestParseDataRow_Value(t *testing.T) {
	payload := make([]byte, 0, 16)
	payload = append(payload, 0, 1)
	payload = append(payload, 0, 0, 0, 3)
	payload = append(payload, []byte("abc")...)
	row := parseDataRow(payload, []string{"org_id"})
	if row["org_id"] == nil || *row["org_id"] != "abc" {
		t.Fatalf("got %v", row)
	}
}

func TestParseDataRow_Null(t *testing.T) {
	payload := make([]byte, 0, 8)
	payload = append(payload, 0, 1)
	payload = append(payload, 0xFF, 0xFF, 0xFF, 0xFF) // -1
	row := parseDataRow(payload, []string{"org_id"})
	if _, present := row["org_id"]; present {
		t.Fatalf("expected org_id to be absent for NULL, got %v", row)
	}
}

func TestParseDataRow_Multiple(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = append(payload, 0, 2)
	payload = append(payload, 0, 0, 0, 5)
	payload = append(payload, []byte("org-1")...)
	payload = append(payload, 0, 0, 0, 5)
	payload = append(payload, []byte("admin")...)
	row := parseDataRow(payload, []string{"org_id", "role"})
	if row["org_id"] == nil || *row["org_id"] != "org-1" {
		t.Fatalf("org_id = %v", row["org_id"])
	}
	if row["role"] == nil || *row["role"] != "admin" {
		t.Fatalf("role = %v", row["role"])
	}
}

func TestMakeCacheKey_SameInputsSameKey(t *testing.T) {
	k1 := makeCacheKey("r1", []*string{strPtr("a"), nil})
	k2 := makeCacheKey("r1", []*string{strPtr("a"), nil})
	if k1 != k2 {
		t.Fatalf("expected equal keys for equal inputs")
	}
	k3 := makeCacheKey("r1", []*string{strPtr("b"), nil})
	if k1 == k3 {
		t.Fatalf("expected different keys for different inputs")
	}
}
