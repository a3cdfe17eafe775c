package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "flat object",
			in:   map[string]any{"b": 1, "a": 2, "c": 3},
			want: `{"a":2,"b":1,"c":3}`,
		},
		{
			name: "nested objects sorted at every level",
			in: map[string]any{
				"z": map[string]any{"beta": true, "alpha": false},
				"a": "x",
			},
			want: `{"a":"x","z":{"alpha":false,"beta":true}}`,
		},
		{
			name: "arrays preserve order",
			in:   map[string]any{"list": []any{3, 1, 2}},
			want: `{"list":[3,1,2]}`,
		},
		{
			name: "null and bool",
			in:   map[string]any{"n": nil, "t": true, "f": false},
			want: `{"f":false,"n":null,"t":true}`,
		},
		{
			name: "string escaping",
			in:   map[string]any{"s": "a\"b"},
			want: `{"s":"a\"b"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			if err != nil {
				t.Fatalf("Canonicalize() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonicalize() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	payload := map[string]any{
		"task_id":    "t-1",
		"capability": "echo",
		"params":     map[string]any{"text": "hi", "count": 2, "nested": map[string]any{"y": 1, "x": 2}},
	}

	first, err := Canonicalize(payload)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := Canonicalize(payload)
		if err != nil {
			t.Fatalf("Canonicalize() error = %v", err)
		}
		if !bytes.Equal(got, first) {
			t.Fatalf("iteration %d: canonical form changed: %s vs %s", i, got, first)
		}
	}
}

func TestCanonicalizeStructAndMapAgree(t *testing.T) {
	// A struct and the equivalent map must canonicalize identically;
	// struct field declaration order must not leak into the output.
	type payload struct {
		Zebra string `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	fromStruct, err := Canonicalize(payload{Zebra: "z", Alpha: "a"})
	if err != nil {
		t.Fatalf("Canonicalize(struct) error = %v", err)
	}
	fromMap, err := Canonicalize(map[string]any{"alpha": "a", "zebra": "z"})
	if err != nil {
		t.Fatalf("Canonicalize(map) error = %v", err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct and map disagree: %s vs %s", fromStruct, fromMap)
	}
}

func TestCanonicalizePreservesNumberLiterals(t *testing.T) {
	// Payloads decoded off the wire carry json.Number values; their
	// literal form must survive re-canonicalization bit for bit.
	wire := []byte(`{"big":12345678901234567890,"pi":3.141592653589793,"small":1e-9}`)
	dec := json.NewDecoder(bytes.NewReader(wire))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, err := Canonicalize(tree)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(got) != string(wire) {
		t.Errorf("number literals changed: got %s, want %s", got, wire)
	}
}

func TestCanonicalizeNoTrailingNewline(t *testing.T) {
	got, err := Canonicalize(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if bytes.HasSuffix(got, []byte("\n")) {
		t.Error("canonical form must not end with a newline")
	}
}

func TestCanonicalizeUnsupportedInput(t *testing.T) {
	if _, err := Canonicalize(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for unserializable input")
	}
}
