package crypto

import (
	"encoding/json"
	"testing"
)

// Golden canonicalization vectors. Changing any of these byte sequences is a
// breaking ledger-format change.
func TestGoldenVectors(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  string
	}{
		{"null", nil, `null`},
		{"true", true, `true`},
		{"int", 42, `42`},
		{"negative", -17, `-17`},
		{"decimal", json.Number("1500.00"), `1500`},
		{"string", "hello", `"hello"`},
		{"unicode", "café", `"café"`},
		{"escape", "a\"b\nc", `"a\"b\nc"`},
		{"slash", "a/b", `"a/b"`},
		{"empty object", map[string]any{}, `{}`},
		{"empty array", []any{}, `[]`},
		{
			"nested",
			map[string]any{
				"z": []any{1, 2},
				"a": map[string]any{"b": nil, "a": "x"},
			},
			`{"a":{"a":"x","b":null},"z":[1,2]}`,
		},
		{
			"decision payload",
			map[string]any{
				"version":     "2.0",
				"request_id":  "req-1",
				"policy_hash": "p-hash",
				"parameters": map[string]any{
					"args":   []any{"u1", json.Number("10")},
					"kwargs": map[string]any{},
				},
			},
			`{"parameters":{"args":["u1",10],"kwargs":{}},"policy_hash":"p-hash","request_id":"req-1","version":"2.0"}`,
		},
	}

	for _, tc := range cases {
		got, err := Canonicalize(tc.value)
		if err != nil {
			t.Fatalf("%s: canonicalize: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestGoldenDigest(t *testing.T) {
	digest, err := CanonicalDigestHex(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest != DigestHex([]byte(`{"a":1}`)) {
		t.Fatalf("digest mismatch: %s", digest)
	}
	if len(digest) != 64 {
		t.Fatalf("digest must be 64 hex chars, got %d", len(digest))
	}
}
