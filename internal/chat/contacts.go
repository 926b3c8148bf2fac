package chat

// Contact is a static participant identity. Contacts are defined at startup
// and never change.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Color2 string `json:"color2"`
}

// DefaultProfile is the profile a context runs as when none is configured.
const DefaultProfile = "prasanna"

// DefaultContacts is the built-in directory. Each context chats with every
// entry except its own profile.
var DefaultContacts = []Contact{
	{ID: "prasanna", Name: "prasanna", Color: "#10ffb4", Color2: "#7b61ff"},
	{ID: "chat-a", Name: "Chat A", Color: "#10ffb4", Color2: "#7b61ff"},
	{ID: "chat-b", Name: "Chat B", Color: "#7b61ff", Color2: "#10ffb4"},
	{ID: "chat-c", Name: "Chat C", Color: "#ff7b7b", Color2: "#ffcb6b"},
	{ID: "chat-d", Name: "Chat D", Color: "#5bd3ff", Color2: "#8b5cf6"},
}

// ReactionPalette is the quick-reaction set offered under every message.
var ReactionPalette = []string{"👍", "❤️", "😂", "🔥", "🎉", "✨"}

// EmojiPicker is the set of glyphs the composer can insert into the input.
var EmojiPicker = []string{
	"😀", "😁", "😂", "🤣", "😊", "😍", "😎", "🤩", "😇", "😉", "🥳", "🤗",
	"👍", "👏", "🙏", "🔥", "✨", "🎉", "❤️", "💙", "💚", "💜", "🧡", "💥",
	"😅", "😢", "😭", "😡", "🤔", "😴", "🤯", "😜", "🤝", "✅", "❌", "⚡",
}

// ContactsFor returns the directory entries that profile can chat with.
func ContactsFor(profile string, directory []Contact) []Contact {
	out := make([]Contact, 0, len(directory))
	for _, c := range directory {
		if c.ID != profile {
			out = append(out, c)
		}
	}
	return out
}

// FindContact looks up id in contacts.
func FindContact(contacts []Contact, id string) (Contact, bool) {
	for _, c := range contacts {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}
