package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNewIsSortable(t *testing.T) {
	a, b := New(), New()
	if _, err := ulid.Parse(a); err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if id == NewSessionID() {
		t.Fatalf("session ids repeated")
	}
}
