package policy

import "testing"

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("Canonicalize error: %v", err)
	}
	want := `{"a":2,"b":1}`
	if got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalizeNested(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"z": map[string]any{"y": 1, "x": 2},
		"a": []any{3, 1, 2},
	})
	if err != nil {
		t.Fatalf("Canonicalize error: %v", err)
	}
	want := `{"a":[3,1,2],"z":{"x":2,"y":1}}`
	if got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalizeArrayOrderPreserved(t *testing.T) {
	got, err := Canonicalize([]any{3, 1, 2})
	if err != nil {
		t.Fatalf("Canonicalize error: %v", err)
	}
	if got != "[3,1,2]" {
		t.Fatalf("Canonicalize() = %q, want [3,1,2] (arrays must not be sorted)", got)
	}
}

func TestHashCanonicalDeterministic(t *testing.T) {
	doc := PolicyDocument{ChannelID: "#room", Version: 1}
	h1, err := HashCanonical(doc)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	h2, err := HashCanonical(doc)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d chars", len(h1))
	}
}

func TestHMACSignVerify(t *testing.T) {
	key := []byte("shared-secret")
	doc := PolicyDocument{ChannelID: "#room", Version: 2}
	sig, err := HMACSign(doc, key)
	if err != nil {
		t.Fatalf("HMACSign error: %v", err)
	}
	ok, err := HMACVerify(doc, key, sig)
	if err != nil {
		t.Fatalf("HMACVerify error: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
	ok, err = HMACVerify(doc, []byte("wrong-key"), sig)
	if err != nil {
		t.Fatalf("HMACVerify error: %v", err)
	}
	if ok {
		t.Fatal("expected signature verification to fail with wrong key")
	}
}
