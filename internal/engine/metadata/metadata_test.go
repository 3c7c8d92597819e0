package metadata

import "testing"

func TestCloneIsIndependent(t *testing.T) {
	original := Metadata{"a": "1"}
	cloned := original.Clone()
	cloned["a"] = "2"

	if original["a"] != "1" {
		t.Fatalf("clone mutated the original: %v", original)
	}

	var nilMD Metadata
	if cloned := nilMD.Clone(); cloned == nil {
		t.Fatal("cloning nil metadata must yield a usable map")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"a": "1"}
	enriched := base.With("b", "2")

	if enriched["a"] != "1" || enriched["b"] != "2" {
		t.Fatalf("unexpected enriched metadata: %v", enriched)
	}
	if _, ok := base["b"]; ok {
		t.Fatal("With mutated the receiver")
	}

	merged := base.WithAll(Metadata{"b": "2", "c": "3"})
	if len(merged) != 3 {
		t.Fatalf("unexpected merged metadata: %v", merged)
	}
}

func TestNewFromPairs(t *testing.T) {
	md := New("a", "1", "b", "2")
	if md["a"] != "1" || md["b"] != "2" {
		t.Fatalf("unexpected metadata: %v", md)
	}

	// A trailing key without a value is dropped.
	md = New("a", "1", "dangling")
	if len(md) != 1 {
		t.Fatalf("dangling key not dropped: %v", md)
	}
}

func TestTextMapCarrier(t *testing.T) {
	md := Metadata{}
	md.Set("traceparent", "00-abc")

	if md.Get("traceparent") != "00-abc" {
		t.Fatalf("carrier get/set broken: %v", md)
	}
	if md.Get("missing") != "" {
		t.Fatal("missing keys must read as empty")
	}
	if keys := md.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Fatalf("unexpected carrier keys: %v", keys)
	}
}
