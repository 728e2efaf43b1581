package crypto

import (
	"testing"
)

func TestCanonicalizeJSON_SortsKeysRecursively(t *testing.T) {
	input := []byte(`{"b":1,"a":{"z":true,"m":[{"k2":null,"k1":"v"}]}}`)
	want := `{"a":{"m":[{"k1":"v","k2":null}],"z":true},"b":1}`

	got, err := CanonicalizeJSON(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != want {
		t.Fatalf("canonical bytes = %s, want %s", got, want)
	}
}

func TestCanonicalizeJSON_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"claimId":"CLM-1","amount":1250.5,"approved":true}`)
	b := []byte(`{"approved":true,"amount":1250.50,"claimId":"CLM-1"}`)

	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestCanonicalizeJSON_Numbers(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`1.0`, `1`},
		{`-0`, `0`},
		{`10.50`, `10.5`},
		{`1e2`, `100`},
		{`0.000001`, `0.000001`},
		{`1e21`, `1e+21`},
		{`1.5e21`, `1.5e+21`},
		{`1e-7`, `1e-7`},
	}
	for _, tc := range cases {
		got, err := CanonicalizeJSON([]byte(tc.in))
		if err != nil {
			t.Fatalf("canonicalize %q: %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Fatalf("canonicalize %q = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalizeJSON_StringEscapes(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{"s":"a\"b\\c\nd\u0001e"}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"s":"a\"b\\c\nd\u0001e"}`
	if string(got) != want {
		t.Fatalf("canonical bytes = %s, want %s", got, want)
	}
}

func TestCanonicalizeJSON_RejectsTrailingData(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestCanonicalize_StructsAndMaps(t *testing.T) {
	type payload struct {
		Outcome string  `json:"outcome"`
		Amount  float64 `json:"amount"`
	}
	fromStruct, err := Canonicalize(payload{Outcome: "APPROVED", Amount: 100})
	if err != nil {
		t.Fatalf("canonicalize struct: %v", err)
	}
	fromMap, err := Canonicalize(map[string]any{"amount": 100, "outcome": "APPROVED"})
	if err != nil {
		t.Fatalf("canonicalize map: %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Fatalf("struct and map canonical forms differ: %s vs %s", fromStruct, fromMap)
	}
}
