package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"emoji", "🔥🔥 nice", false},
		{"empty", "", true},
		{"whitespace", "   \n", true},
		{"invalid utf8", "bad \xff byte", true},
		{"long text", strings.Repeat("é", 10000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContactsFor(t *testing.T) {
	contacts := ContactsFor("chat-a", DefaultContacts)
	if len(contacts) != len(DefaultContacts)-1 {
		t.Fatalf("expected %d contacts, got %d", len(DefaultContacts)-1, len(contacts))
	}
	if _, ok := FindContact(contacts, "chat-a"); ok {
		t.Error("profile should not appear in its own contact list")
	}
	if _, ok := FindContact(contacts, "prasanna"); !ok {
		t.Error("expected prasanna in chat-a's contacts")
	}
}
