package subst_test

import (
	"testing"

	"github.com/infodancer/pop3d/internal/subst"
)

func TestExpandSimple(t *testing.T) {
	vars := map[string]string{"user": "alice", "domain": "example.org", "home": "/home/alice"}

	got, err := subst.Expand("/var/spool/mail/$(user)", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/var/spool/mail/alice" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandMultipleVars(t *testing.T) {
	vars := map[string]string{"user": "alice", "domain": "example.org"}
	got, err := subst.Expand("$(home)/$(user)@$(domain)/Maildir", map[string]string{
		"home": "/home/alice", "user": vars["user"], "domain": vars["domain"],
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/home/alice/alice@example.org/Maildir" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandIndex(t *testing.T) {
	vars := map[string]string{"user": "alice"}
	got, err := subst.Expand("/var/mail/$(user[0])/$(user)", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/var/mail/a/alice" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandNegativeIndex(t *testing.T) {
	vars := map[string]string{"user": "alice"}
	got, err := subst.Expand("$(user[-1])", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "e" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandUnknownVariable(t *testing.T) {
	_, err := subst.Expand("$(nope)", map[string]string{})
	if err == nil {
		t.Fatal("expected error for unknown variable")
	}
}

func TestExpandIndexOutOfRange(t *testing.T) {
	_, err := subst.Expand("$(user[99])", map[string]string{"user": "al"})
	if err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestExpandMalformedIndex(t *testing.T) {
	_, err := subst.Expand("$(user[x])", map[string]string{"user": "al"})
	if err == nil {
		t.Fatal("expected error for malformed index")
	}
}

func TestExpandUnterminated(t *testing.T) {
	_, err := subst.Expand("$(user", map[string]string{"user": "al"})
	if err == nil {
		t.Fatal("expected error for unterminated reference")
	}
}

func TestExpandNoReferences(t *testing.T) {
	got, err := subst.Expand("plain/path/with/no/vars", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain/path/with/no/vars" {
		t.Fatalf("got %q", got)
	}
}
