package types

import "time"

// RawMessage is a complete RFC 5322 message as returned by the server.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Announcement represents the content extracted from one notification email
type Announcement struct {
	UID         uint32    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Author      string    `json:"author"`
	AvatarURL   string    `json:"avatar_url"`
	Timestamp   time.Time `json:"timestamp"`
}

// DeliveryRecord represents a delivered announcement (for history listings)
type DeliveryRecord struct {
	ID          int64     `json:"id"`
	Mailbox     string    `json:"mailbox"`
	UID         uint32    `json:"uid"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	AnnouncedAt time.Time `json:"announced_at"`
	DeliveredAt time.Time `json:"delivered_at"`
}
