package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventPostSubmitted  EventType = "post_submitted"
	EventPointsAwarded  EventType = "points_awarded"
	EventPostReconciled EventType = "post_reconciled"
)

// Event represents an immutable domain event.
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	UserID     UserID    `json:"user_id"`
	PostID     PostID    `json:"post_id,omitempty"`
	Delta      int64     `json:"delta,omitempty"`
	PostPoints int64     `json:"post_points,omitempty"`
	UserTotal  int64     `json:"user_total,omitempty"`
	Source     Source    `json:"source,omitempty"`
}

func NewPostSubmitted(user UserID, post PostID, source Source) Event {
	return Event{Type: EventPostSubmitted, Time: time.Now().UTC(), UserID: user, PostID: post, Source: source}
}

func NewPointsAwarded(user UserID, post PostID, delta, postPoints, userTotal int64, source Source) Event {
	return Event{
		Type:       EventPointsAwarded,
		Time:       time.Now().UTC(),
		UserID:     user,
		PostID:     post,
		Delta:      delta,
		PostPoints: postPoints,
		UserTotal:  userTotal,
		Source:     source,
	}
}

func NewPostReconciled(user UserID, post PostID, postPoints int64, source Source) Event {
	return Event{Type: EventPostReconciled, Time: time.Now().UTC(), UserID: user, PostID: post, PostPoints: postPoints, Source: source}
}
