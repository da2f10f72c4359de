package store

import "time"

// Generation status values. Transitions only move forward:
// pending -> processing -> completed | failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Regeneration kinds.
const (
	RegenTargeted = "targeted"
	RegenFull     = "full"
)

// Asset lifecycle states.
const (
	AssetDraft    = "draft"
	AssetActive   = "active"
	AssetArchived = "archived"
)

type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type Subscription struct {
	UserID      string
	Plan        string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type Boost struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	IsActive  bool
}

type Draft struct {
	ID                string
	OwnerID           string
	Title             string
	Prompt            string
	Platform          string
	Settings          string
	SelectedVariantID string
	IsArchived        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Generation struct {
	ID                 string
	DraftID            string
	OwnerID            string
	Status             string
	ErrorMessage       string
	IdempotencyKey     string
	IsRegen            bool
	ParentGenerationID string
	RegenType          string
	Metadata           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

type Variant struct {
	GenerationID string
	VariantIndex int
	DraftID      string
	OwnerID      string
	Content      string
	VideoURL     string
	ThumbnailURL string
	CreatedAt    time.Time
}

type Asset struct {
	ID        string
	OwnerID   string
	DraftID   string
	VariantID string
	Title     string
	Content   string
	Platform  string
	Tags      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UsageEntry struct {
	ID               string
	UserID           string
	GenerationID     string
	Month            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostEstimate     float64
	Model            string
	CreatedAt        time.Time
}
