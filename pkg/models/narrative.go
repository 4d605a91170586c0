// Package models holds the data types shared across the narrative engine:
// conversation messages, narrative/act configuration, execution records and
// media references. They are plain structs with json tags, mirroring the
// style of the rest of the pack's shared model packages.
package models

import "time"

// Role identifies the speaker of a Message within a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InputKind discriminates the variant held by an Input.
type InputKind string

const (
	InputText     InputKind = "text"
	InputImage    InputKind = "image"
	InputAudio    InputKind = "audio"
	InputVideo    InputKind = "video"
	InputDocument InputKind = "document"
)

// Input is a polymorphic piece of message content. Exactly one of Text or
// Source is meaningful depending on Kind: text inputs carry Text, media
// inputs carry a Source describing where the bytes live.
type Input struct {
	Kind InputKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	MIME string    `json:"mime,omitempty"`

	Source InputSource `json:"source,omitempty"`
}

// InputSource describes where to find media bytes for a non-text Input.
// Exactly one field should be set.
type InputSource struct {
	// Base64 holds inline, base64-encoded bytes.
	Base64 string `json:"base64,omitempty"`
	// ContentHash references a MediaReference already in storage.
	ContentHash string `json:"content_hash,omitempty"`
	// URL is a provider-resolvable remote location.
	URL string `json:"url,omitempty"`
}

// TextInput builds a plain text Input.
func TextInput(text string) Input {
	return Input{Kind: InputText, Text: text}
}

// Message is one turn of a conversation: a role plus ordered content.
type Message struct {
	Role    Role    `json:"role"`
	Content []Input `json:"content"`
}

// Carousel scales an act (or an entire narrative) to repeat execution while
// proportionally shrinking its rate-limit footprint.
type Carousel struct {
	Iterations  uint32  `json:"iterations"`
	BudgetRatio float64 `json:"budget_ratio"`
}

// ActConfig is one step of a Narrative's table of contents. Exactly one of
// Inputs or NarrativeRef must be set; see Validate.
type ActConfig struct {
	Inputs       []Input `json:"inputs,omitempty"`
	NarrativeRef string  `json:"narrative_ref,omitempty"`

	Model       *string  `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`

	Carousel *Carousel `json:"carousel,omitempty"`
}

// NarrativeMetadata carries the descriptive, non-structural fields of a
// Narrative.
type NarrativeMetadata struct {
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	Template              string `json:"template,omitempty"`
	Target                string `json:"target,omitempty"`
	SkipContentGeneration bool   `json:"skip_content_generation,omitempty"`
}

// Narrative is an ordered sequence of acts sharing conversation history.
type Narrative struct {
	Metadata   NarrativeMetadata    `json:"metadata"`
	TOCOrder   []string             `json:"toc_order"`
	Acts       map[string]ActConfig `json:"acts"`
	Carousel   *Carousel            `json:"carousel,omitempty"`
	SourcePath string               `json:"source_path,omitempty"`
}

// Act returns the configuration for the named act, or false if absent.
func (n *Narrative) Act(name string) (ActConfig, bool) {
	cfg, ok := n.Acts[name]
	return cfg, ok
}

// ActExecution is an immutable record of one executed act.
type ActExecution struct {
	ActName        string   `json:"act_name"`
	Inputs         []Input  `json:"inputs"`
	Model          *string  `json:"model,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Response       string   `json:"response"`
	SequenceNumber int      `json:"sequence_number"`
}

// ExecutionStatus is the lifecycle state of a NarrativeExecution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// NarrativeExecution is the durable record of one run of a Narrative.
type NarrativeExecution struct {
	ID            string          `json:"id,omitempty"`
	NarrativeName string          `json:"narrative_name"`
	ActExecutions []ActExecution  `json:"act_executions"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ExecutionSummary is the projection returned by list operations.
type ExecutionSummary struct {
	ID            string          `json:"id"`
	NarrativeName string          `json:"narrative_name"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ActCount      int             `json:"act_count"`
}

// ExecutionFilter constrains ListExecutions. Zero-value fields impose no
// constraint; all set fields are conjunctive (AND).
type ExecutionFilter struct {
	NarrativeName string
	Status        ExecutionStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// MediaReference describes one logical pointer at content-addressed bytes.
type MediaReference struct {
	ID             string `json:"id"`
	ContentHash    string `json:"content_hash"`
	StorageBackend string `json:"storage_backend"`
	StoragePath    string `json:"storage_path"`
	SizeBytes      int64  `json:"size_bytes"`
	MediaType      string `json:"media_type"`
	MIMEType       string `json:"mime_type"`
}

// MediaMetadata describes a media blob being stored, prior to content
// addressing being resolved.
type MediaMetadata struct {
	MediaType string
	MIMEType  string
}

// ColumnInfo mirrors one relational column's shape.
type ColumnInfo struct {
	Name      string
	DataType  string
	Nullable  bool
	MaxLength *int
	Default   *string
}

// TableSchema is the ordered column list of a reflected table.
type TableSchema struct {
	TableName string
	Columns   []ColumnInfo
}

// GenerationStatus is the lifecycle of a content-generation tracking row.
type GenerationStatus string

const (
	GenerationRunning GenerationStatus = "running"
	GenerationSuccess GenerationStatus = "success"
	GenerationFailed  GenerationStatus = "failed"
)

// GenerationRecord tracks one dynamically-created content table's generation.
type GenerationRecord struct {
	TableName        string           `json:"table_name"`
	NarrativeFile    string           `json:"narrative_file,omitempty"`
	NarrativeName    string           `json:"narrative_name,omitempty"`
	Status           GenerationStatus `json:"status"`
	RowCount         *int             `json:"row_count,omitempty"`
	GenerationMillis *int64           `json:"generation_duration_ms,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// ReviewStatus is the human-curation state of a generated content row.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)
