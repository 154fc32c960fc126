// internal/model/battle.go
// Package model defines the data structures used throughout the battle engine.
// These structures represent the core domain objects for battles, entries, and votes.
package model

import (
	"time"
)

// BattleStatus is the lifecycle phase of a battle.
type BattleStatus string

const (
	StatusDraft     BattleStatus = "draft"
	StatusScheduled BattleStatus = "scheduled"
	StatusOpen      BattleStatus = "open"
	StatusVoting    BattleStatus = "voting"
	StatusCompleted BattleStatus = "completed"
)

// Valid reports whether s is a known status.
func (s BattleStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusOpen, StatusVoting, StatusCompleted:
		return true
	}
	return false
}

// BattleType is the closed set of competition categories.
type BattleType string

const (
	TypeWriting     BattleType = "writing"
	TypeArt         BattleType = "art"
	TypePhotography BattleType = "photography"
	TypeMusic       BattleType = "music"
	TypeVideo       BattleType = "video"
	TypeOpen        BattleType = "open"
)

// Valid reports whether t is a known battle type.
func (t BattleType) Valid() bool {
	switch t {
	case TypeWriting, TypeArt, TypePhotography, TypeMusic, TypeVideo, TypeOpen:
		return true
	}
	return false
}

// MediaKind tags the variant of an entry's content.
type MediaKind string

const (
	KindText  MediaKind = "text"
	KindImage MediaKind = "image"
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
	KindMixed MediaKind = "mixed"
)

// ModerationStatus is the externally decided review state of an entry.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
)

// Rules constrain what entries a battle accepts.
type Rules struct {
	Prompt      string      `json:"prompt,omitempty"`      // Theme shown to participants
	MediaTypes  []MediaKind `json:"mediaTypes"`            // Accepted content kinds
	MinLength   int         `json:"minLength,omitempty"`   // Minimum trimmed text length (0 = unset)
	MaxLength   int         `json:"maxLength,omitempty"`   // Maximum trimmed text length (0 = unset)
	MaxDuration float64     `json:"maxDuration,omitempty"` // Maximum audio/video duration in seconds (0 = unset)
}

// Allows reports whether kind is listed in MediaTypes.
func (r Rules) Allows(kind MediaKind) bool {
	for _, k := range r.MediaTypes {
		if k == kind {
			return true
		}
	}
	return false
}

// Battle is a time-boxed competition.
// This corresponds to the battles table in storage.
type Battle struct {
	ID                  string       `json:"id" db:"id"`
	Title               string       `json:"title" db:"title"`
	Description         string       `json:"description" db:"description"`
	Type                BattleType   `json:"battleType" db:"battle_type"`
	Rules               Rules        `json:"rules" db:"rules"`
	Status              BattleStatus `json:"status" db:"status"`
	StartTime           time.Time    `json:"startTime" db:"start_time"`
	EndTime             time.Time    `json:"endTime" db:"end_time"`
	VotingEndTime       time.Time    `json:"votingEndTime" db:"voting_end_time"`
	ParticipantCount    int64        `json:"participantCount" db:"participant_count"`
	EntryCount          int64        `json:"entryCount" db:"entry_count"`
	VoteCount           int64        `json:"voteCount" db:"vote_count"`
	MaxEntriesPerUser   int          `json:"maxEntriesPerUser" db:"max_entries_per_user"`
	Featured            bool         `json:"featured" db:"featured"`
	CreatorID           string       `json:"creatorId" db:"creator_id"`
	ResultsCalculatedAt *time.Time   `json:"resultsCalculatedAt,omitempty" db:"results_calculated_at"` // Set once at completion
	CreatedAt           time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time    `json:"updatedAt" db:"updated_at"`
}

// MediaItem is one piece of media attached to an entry.
type MediaItem struct {
	Type     MediaKind `json:"type"`
	URL      string    `json:"url"`
	Duration float64   `json:"duration,omitempty"` // Seconds, required for audio/video
}

// Content is the tagged payload of an entry.
type Content struct {
	Kind            MediaKind   `json:"type"`
	Body            string      `json:"body,omitempty"`
	MediaURL        string      `json:"mediaUrl,omitempty"`
	Duration        float64     `json:"duration,omitempty"` // Seconds
	AdditionalMedia []MediaItem `json:"additionalMedia,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
}

// EntryMetrics are the engagement counters of an entry.
type EntryMetrics struct {
	VoteCount    int64 `json:"voteCount" db:"vote_count"`
	ViewCount    int64 `json:"viewCount" db:"view_count"`
	CommentCount int64 `json:"commentCount" db:"comment_count"`
	ShareCount   int64 `json:"shareCount" db:"share_count"`
}

// Entry is one submission to a battle.
// This corresponds to the entries table in storage.
type Entry struct {
	ID          string           `json:"id" db:"id"`
	BattleID    string           `json:"battleId" db:"battle_id"`
	UserID      string           `json:"userId" db:"user_id"`
	Content     Content          `json:"content" db:"content"`
	Moderation  ModerationStatus `json:"moderationStatus" db:"moderation_status"`
	Metrics     EntryMetrics     `json:"metrics"`
	Rank        *int             `json:"rank,omitempty" db:"rank"`          // Nil until completion
	TiedWith    []string         `json:"tiedWith,omitempty" db:"tied_with"` // Other entries sharing Rank
	SubmittedAt time.Time        `json:"submissionTime" db:"submitted_at"`
}

// Vote records one voter's vote for one entry.
// (EntryID, VoterID) is unique for all time.
type Vote struct {
	ID        string    `json:"id" db:"id"`
	EntryID   string    `json:"entryId" db:"entry_id"`
	BattleID  string    `json:"battleId" db:"battle_id"`
	VoterID   string    `json:"voterId" db:"voter_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// EntryStats summarizes a user's entries in one battle.
type EntryStats struct {
	Active int // approved + pending
	Total  int // all entries regardless of moderation
}

// ListBattlesQuery filters battle listings.
type ListBattlesQuery struct {
	Status   BattleStatus `json:"status,omitempty"`
	Featured *bool        `json:"featured,omitempty"`
	Limit    int          `json:"limit,omitempty"`
}

// CreateBattleRequest represents the request body for creating a battle.
type CreateBattleRequest struct {
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Type              BattleType `json:"battleType"`
	Rules             Rules      `json:"rules"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           time.Time  `json:"endTime"`
	VotingEndTime     time.Time  `json:"votingEndTime"`
	MaxEntriesPerUser int        `json:"maxEntriesPerUser,omitempty"` // Defaults to 1
	Featured          bool       `json:"featured,omitempty"`
	Draft             bool       `json:"draft,omitempty"` // Create in draft instead of scheduled/open
}

// UpdateStatusRequest represents the request body for a manual transition.
type UpdateStatusRequest struct {
	Status BattleStatus `json:"status"`
}

// SubmitEntryRequest represents the request body for submitting an entry.
type SubmitEntryRequest struct {
	Content Content `json:"content"`
}

// ReviewEntryRequest records a moderation decision.
type ReviewEntryRequest struct {
	Status ModerationStatus `json:"status"`
}

// BattleResults is the read model returned by GetBattleResults.
type BattleResults struct {
	Battle   Battle  `json:"battle"`
	Entries  []Entry `json:"entries"`
	HasEnded bool    `json:"hasEnded"`
	WinnerID string  `json:"winnerId,omitempty"`
}

// StatusChange is one transition applied by a sweep.
type StatusChange struct {
	BattleID     string       `json:"battleId"`
	From         BattleStatus `json:"from"`
	To           BattleStatus `json:"to"`
	PublishError string       `json:"publishError,omitempty"` // Set when the event for a committed change was not delivered
}

// SweepFailure is a battle the sweep could not advance.
type SweepFailure struct {
	BattleID string `json:"battleId"`
	Error    string `json:"error"`
}

// SweepReport summarizes one ProcessBattleStatusUpdates run.
type SweepReport struct {
	Changes  []StatusChange `json:"changes"`
	Failures []SweepFailure `json:"failures,omitempty"`
}

// VoteResult reports the outcome of a vote call.
type VoteResult struct {
	EntryID   string `json:"entryId"`
	Duplicate bool   `json:"duplicate"` // Vote already existed; nothing changed
}
