package engine

import "testing"

func TestSubjectLayout(t *testing.T) {
	if got := BroadcastSubject("billing.InvoicePaid"); got != "system.broadcast.billing.InvoicePaid" {
		t.Fatalf("unexpected broadcast subject: %q", got)
	}
	if got := PointToPointSubject("uid-1", "billing.InvoicePaid"); got != "system.direct.uid-1.billing.InvoicePaid" {
		t.Fatalf("unexpected direct subject: %q", got)
	}
}

func TestTypeExtraction(t *testing.T) {
	name, ok := typeFromBroadcast("system.broadcast.billing.InvoicePaid")
	if !ok || name != "billing.InvoicePaid" {
		t.Fatalf("broadcast extraction failed: %q %v", name, ok)
	}

	name, ok = typeFromDirect("uid-1", "system.direct.uid-1.billing.InvoicePaid")
	if !ok || name != "billing.InvoicePaid" {
		t.Fatalf("direct extraction failed: %q %v", name, ok)
	}

	// A subject addressed at another instance must not match.
	if _, ok := typeFromDirect("uid-1", "system.direct.uid-2.billing.InvoicePaid"); ok {
		t.Fatal("extracted a type from a subject addressed elsewhere")
	}

	for _, subject := range []string{"", "system.broadcast.", "random.subject", "system.direct.uid-1."} {
		if _, ok := typeFromBroadcast(subject); ok {
			t.Fatalf("broadcast extraction accepted %q", subject)
		}
		if _, ok := typeFromDirect("uid-1", subject); ok {
			t.Fatalf("direct extraction accepted %q", subject)
		}
	}
}
