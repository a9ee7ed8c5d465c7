package domain

import "time"

// Member is a user's seat in one voice channel.
type Member struct {
	User      *User
	ChannelID ChannelID
	JoinedAt  time.Time
}

func NewMember(channel ChannelID, user *User) *Member {
	return &Member{User: user, ChannelID: channel, JoinedAt: time.Now()}
}

// Ref names the member's stream of the given kind as seen by other members.
func (m *Member) Ref(kind StreamKind) RemoteStreamRef {
	return RemoteStreamRef{UserID: m.User.ID, Kind: kind}
}
