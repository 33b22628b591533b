package oasis

import (
	"encoding/json"
	"time"
)

// --- Domain types (database records) ---

// ScoredMessage is a Message paired with its cosine similarity score from a
// semantic search. Score is in [0, 1]; higher means more relevant.
// Score is 0 when the store does not compute similarity (e.g. libsql ANN index).
type ScoredMessage struct {
	Message
	Score float32
}

// ScoredChunk is a Chunk paired with its cosine similarity score.
type ScoredChunk struct {
	Chunk
	Score float32
}

// ScoredSkill is a Skill paired with its cosine similarity score.
type ScoredSkill struct {
	Skill
	Score float32
}

// ScoredFact is a Fact paired with its cosine similarity score.
type ScoredFact struct {
	Fact
	Score float32
}

type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type Chunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Content    string     `json:"content"`
	ChunkIndex int        `json:"chunk_index"`
	Embedding  []float32  `json:"-"`
	Metadata   *ChunkMeta `json:"metadata,omitempty"`
}

// Image is an inline, base64-encoded image extracted alongside document text
// (e.g. embedded figures in a docx), carried on a ChunkMeta rather than sent
// to a model directly.
type Image struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ChunkMeta carries extraction-time context for a chunk that doesn't belong
// in Content itself: where it came from, what page/section it was on, and
// any images co-located with it.
type ChunkMeta struct {
	SourceURL      string  `json:"source_url,omitempty"`
	PageNumber     int     `json:"page_number,omitempty"`
	SectionHeading string  `json:"section_heading,omitempty"`
	Images         []Image `json:"images,omitempty"`
}

// FilterOp is a comparison operator usable in a ChunkFilter.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
	OpIn  FilterOp = "in"
	OpGt  FilterOp = "gt"
	OpLt  FilterOp = "lt"
)

// ChunkFilter restricts a chunk search to those matching Field (one of
// "document_id", "source", "created_at", or a "meta.<key>" metadata lookup)
// compared against Value using Op. Store implementations translate these
// into their native query language; unsupported Field/Op combinations are
// silently ignored rather than erroring, so a filter never breaks a search
// on a backend that can't express it.
type ChunkFilter struct {
	Field string
	Op    FilterOp
	Value any
}

// ByDocument restricts a search to chunks belonging to a single document.
func ByDocument(documentID string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpEq, Value: documentID}
}

// ByExcludeDocument restricts a search to chunks NOT belonging to the given
// document, for cross-document similarity search.
func ByExcludeDocument(documentID string) ChunkFilter {
	return ChunkFilter{Field: "document_id", Op: OpNeq, Value: documentID}
}

// RelationType classifies the kind of relationship a ChunkEdge represents.
type RelationType string

const (
	RelReferences  RelationType = "references"
	RelElaborates  RelationType = "elaborates"
	RelDependsOn   RelationType = "depends_on"
	RelContradicts RelationType = "contradicts"
	RelPartOf      RelationType = "part_of"
	RelSimilarTo   RelationType = "similar_to"
	RelSequence    RelationType = "sequence"
	RelCausedBy    RelationType = "caused_by"
)

// ChunkEdge is a directed, typed relationship between two chunks in the
// knowledge graph, discovered during ingestion (LLM extraction or sequence
// linking) and traversed by GraphRetriever.
type ChunkEdge struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	TargetID    string       `json:"target_id"`
	Relation    RelationType `json:"relation"`
	Weight      float32      `json:"weight"`
	Description string       `json:"description,omitempty"`
}

// EdgeContext describes one graph edge that contributed to a RetrievalResult
// surfacing during traversal, for callers that want to show why a result was
// included beyond its direct vector/keyword score.
type EdgeContext struct {
	Description string       `json:"description"`
	Relation    RelationType `json:"relation"`
}

type Thread struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chat_id"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt int64     `json:"created_at"`
}

type Fact struct {
	ID         string    `json:"id"`
	Fact       string    `json:"fact"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"-"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// Intent for classification
type Intent int

const (
	IntentChat   Intent = iota
	IntentAction
)

// Scheduled action (DB record)
type ScheduledAction struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Schedule        string `json:"schedule"`
	ToolCalls       string `json:"tool_calls"`
	SynthesisPrompt string `json:"synthesis_prompt"`
	NextRun         int64  `json:"next_run"`
	Enabled         bool   `json:"enabled"`
	SkillID         string `json:"skill_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	// Workflow holds a JSON-encoded WorkflowDefinition for actions that need
	// branching or multi-step tool chains. When set, the scheduler runs it
	// via FromDefinition instead of the flat ToolCalls list.
	Workflow string `json:"workflow,omitempty"`
}

type ScheduledToolCall struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// Skill is a stored instruction package for specializing the action agent.
type Skill struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	Tools        []string  `json:"tools,omitempty"`
	Model        string    `json:"model,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	References   []string  `json:"references,omitempty"`
	Embedding    []float32 `json:"-"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini thoughtSignature)
}

// Attachment represents binary content (image, PDF, audio, etc.) sent inline to a multimodal LLM.
// The MimeType determines how the provider interprets the data.
// Data holds the decoded bytes for in-process accumulation (e.g. across tool
// results in the execution loop); Base64 is the wire-format field providers
// marshal to/from. Callers populating one should keep the other in sync when
// both representations matter; most code paths only need one or the other.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
	Data     []byte `json:"-"`
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
// When set on a ChatRequest, the provider translates it to its native
// structured output mechanism (e.g. Gemini responseSchema, OpenAI response_format).
type ResponseSchema struct {
	Name   string          `json:"name"`   // schema identifier (required by some providers)
	Schema json.RawMessage `json:"schema"` // JSON Schema object
}

// GenerationParams carries optional per-request sampling overrides. Pointer
// fields let callers distinguish "not set" from the type's zero value so
// providers only override what the caller explicitly asked for.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"generation_params,omitempty"`
}

type ChatResponse struct {
	Content     string       `json:"content"`
	Thinking    string       `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Usage       Usage        `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema

	// Forged and the fields below apply only to tools backed by a forged
	// (sandboxed) skill; zero-valued for built-in and bundled/curated tools.
	Forged     bool          `json:"forged,omitempty"`
	SkillDir   string        `json:"-"`
	EntryPoint string        `json:"-"`
	Timeout    time.Duration `json:"-"`
}

// --- Event log ---

// EventLogEntryType classifies an EventLogEntry.
type EventLogEntryType string

const (
	EventToolExecution EventLogEntryType = "tool_execution"
	EventFallback      EventLogEntryType = "fallback"
	EventForge         EventLogEntryType = "forge_event"
	EventError         EventLogEntryType = "error"
	EventSystem        EventLogEntryType = "system"
)

// EventLogEntry is one append-only record in the event log.
type EventLogEntry struct {
	ID         string
	Type       EventLogEntryType
	Timestamp  time.Time
	Tool       string
	Args       string // serialized JSON, round-trips losslessly
	Result     string // serialized JSON
	Error      string
	DurationMs int64
	AgentID    string
	SessionID  string
	Channel    string
	Success    bool
	Tags       []string
}

// EventLogFilter narrows getEntries/search results. Zero-value fields are
// not applied.
type EventLogFilter struct {
	Type      EventLogEntryType
	Tool      string
	AgentID   string
	SessionID string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
}

// EventLogStats summarizes the event log for operational dashboards.
type EventLogStats struct {
	Total       int
	SuccessRate float64
	TopTools    []ToolCount
	TopErrors   []ErrorCount
	PerDay      []DayCount
}

type ToolCount struct {
	Tool  string
	Count int
}

type ErrorCount struct {
	Error string
	Count int
}

type DayCount struct {
	Date  string // YYYY-MM-DD
	Count int
}

// --- Incoming message from frontend ---

type IncomingMessage struct {
	ID           string
	ChatID       string
	UserID       string
	Text         string
	ReplyToMsgID string
	Document     *FileInfo
	Photos       []FileInfo
	Caption      string
}

type FileInfo struct {
	FileID   string
	FileName string
	MimeType string
	FileSize int64
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
