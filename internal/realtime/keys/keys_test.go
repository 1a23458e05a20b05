package keys

import "testing"

func TestKeysAreDistinctAcrossOverlappingIDSpaces(t *testing.T) {
	t.Parallel()

	// The same raw id used as a connection, profile, and conversation must
	// never map onto the same store key.
	id := "abc123"
	built := []string{
		Connection(id),
		Viewing(id),
		ProfileConnections(id),
		ConversationViewers(id),
	}
	seen := make(map[string]struct{}, len(built))
	for _, key := range built {
		if key == "" {
			t.Fatal("built an empty key")
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("key collision: %q", key)
		}
		seen[key] = struct{}{}
	}
}

func TestConnectionKeyIsNotPrefixOfViewingKeyOwner(t *testing.T) {
	t.Parallel()

	if Connection("x") == Viewing("x") {
		t.Fatal("connection and viewing keys must differ")
	}
	if ProfileConnections("x") == ConversationViewers("x") {
		t.Fatal("profile and conversation set keys must differ")
	}
}
