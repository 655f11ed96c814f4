package models

import (
	"fmt"
	"time"
)

// EngagementType is one kind of automated interaction.
type EngagementType string

const (
	Like     EngagementType = "like"
	Repost   EngagementType = "repost"
	Comment  EngagementType = "comment"
	Follow   EngagementType = "follow"
	Bookmark EngagementType = "bookmark"
	Quote    EngagementType = "quote"
)

// ContentEngagementTypes lists the content-targeted types in scheduling
// order. Follow is derived from the like count and targets the author.
var ContentEngagementTypes = []EngagementType{Like, Repost, Comment, Bookmark, Quote}

// TargetsContent reports whether the type acts on content rather than a user.
func (t EngagementType) TargetsContent() bool {
	return t != Follow
}

// NeedsText reports whether the type carries generated text.
func (t EngagementType) NeedsText() bool {
	return t == Comment || t == Quote
}

func ParseEngagementType(s string) (EngagementType, error) {
	switch t := EngagementType(s); t {
	case Like, Repost, Comment, Follow, Bookmark, Quote:
		return t, nil
	default:
		return "", fmt.Errorf("unknown engagement type %q", s)
	}
}

// ContentType is a kind of user-published content.
type ContentType string

const (
	ContentPost    ContentType = "post"
	ContentProject ContentType = "project"
)

func ParseContentType(s string) (ContentType, error) {
	switch t := ContentType(s); t {
	case ContentPost, ContentProject:
		return t, nil
	default:
		return "", fmt.Errorf("unknown content type %q", s)
	}
}

// TargetType is what an engagement acts on: a piece of content or a user.
type TargetType string

const (
	TargetPost    TargetType = "post"
	TargetProject TargetType = "project"
	TargetUser    TargetType = "user"
)

func (c ContentType) Target() TargetType {
	return TargetType(c)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusSkipped || s == StatusFailed
}

// Content is the subset of a published item the engine needs.
type Content struct {
	Type      ContentType
	ID        int64
	AuthorID  int64
	Body      string
	CreatedAt time.Time
}

// PlanEntry is one planned engagement. Metadata carries generated text
// under the "text" key.
type PlanEntry struct {
	ID           string
	ActorID      int64
	Type         EngagementType
	TargetType   TargetType
	TargetID     int64
	ContentType  ContentType
	ContentID    int64
	ScheduledAt  time.Time
	Status       Status
	Metadata     map[string]string
	Attempts     int
	LastError    string
	ClaimedUntil *time.Time
	ExecutedAt   *time.Time
	CreatedAt    time.Time
}

const MetadataText = "text"

// Curation boosts or damps the engagement targets of one content item.
type Curation struct {
	ContentType ContentType
	ContentID   int64
	Priority    int
	Multiplier  float64
	ExpiresAt   *time.Time
}

// ActiveAt reports whether the override applies at now.
func (c Curation) ActiveAt(now time.Time) bool {
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}
