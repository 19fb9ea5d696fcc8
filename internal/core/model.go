package core

// ChatMessage is one parsed chat line as delivered to the command pipeline.
type ChatMessage struct {
	ID        string  // platform-native message ID
	Timestamp int64   // server send time, epoch milliseconds
	Channel   Channel // channel the line was sent to
	User      User    // sender
	Message   *string // nil when the capture was malformed or incomplete
}

// Channel identifies the chat room. ID is unknown until the room-id tag is seen.
type Channel struct {
	ID       *int64
	Username string
}

// User identifies the sender and carries the two privilege flags reported by
// the chat service. Nil flags mean the tag was absent.
type User struct {
	ID          *int64
	Username    string
	DisplayName string
	Mod         *bool
	VIP         *bool
}

// Valid reports whether the message may be handed to the command resolver.
func (m ChatMessage) Valid() bool {
	return m.Message != nil && m.User.Username != "" && m.Channel.Username != ""
}

// Text returns the body or "" for a malformed message.
func (m ChatMessage) Text() string {
	if m.Message == nil {
		return ""
	}
	return *m.Message
}

// IsMod reports the moderator flag, treating an absent tag as false.
func (u User) IsMod() bool { return u.Mod != nil && *u.Mod }

// IsVIP reports the VIP flag, treating an absent tag as false.
func (u User) IsVIP() bool { return u.VIP != nil && *u.VIP }
