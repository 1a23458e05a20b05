// Package keys builds shared-store keys from entity identifiers.
//
// Connection, profile, and conversation ids come from different id spaces
// that may overlap as raw strings. Every store access goes through these
// helpers so the prefixes stay in one place and two entities can never
// collide on a key.
package keys

// Connection keys the record mapping a connection id to its profile and
// device.
func Connection(connectionID string) string {
	return "conn:" + connectionID
}

// Viewing keys the per-connection pointer to its current conversation.
func Viewing(connectionID string) string {
	return "conn:" + connectionID + ":viewing"
}

// ProfileConnections keys the set of live connection ids for a profile.
func ProfileConnections(profileID string) string {
	return "profile:" + profileID + ":conns"
}

// ConversationViewers keys the set of profile ids actively viewing a
// conversation.
func ConversationViewers(conversationID string) string {
	return "conv:" + conversationID + ":viewers"
}
