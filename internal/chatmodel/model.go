// Package chatmodel defines the persisted and in-flight entities shared across
// the chat orchestration core: users, sessions, messages, credentials,
// memories, prompt templates, tools, blobs, background jobs, and usage
// records.
package chatmodel

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// User is a stable platform identity. Users are never auto-deleted.
type User struct {
	ID        string    `json:"id"`
	Groups    []string  `json:"groups"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is an ordered conversation belonging to one user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Deleted   bool      `json:"deleted"`
}

// ToolCall is one invocation an assistant message asked the tool layer to make.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// Attachment references a Blob by key; Messages never carry attachment bytes.
type Attachment struct {
	BlobKey     string `json:"blobKey"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
}

// TokenUsage captures provider-reported token deltas for one Message.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Message is a single turn belonging to one Session.
//
// Invariant T1: every Role==tool message's ToolCallID must appear in some
// earlier assistant message's ToolCalls within the same session.
// Invariant T2: every ToolCall id on an assistant message has exactly one
// matching tool-role response before the next user turn, or the assistant
// and its tool-role descendants are elided from LLM-visible history — see
// internal/messageprep.
type Message struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	Timestamp  time.Time    `json:"timestamp"`
	ToolCallID string       `json:"toolCallId,omitempty"` // required iff Role==tool
	ToolCalls  []ToolCall   `json:"toolCalls,omitempty"`  // only meaningful on assistant messages
	Attachment []Attachment `json:"attachments,omitempty"`
	Usage      *TokenUsage  `json:"usage,omitempty"`
}

// CredentialRecord is one delegated-auth credential per user. See
// internal/credentials for lifecycle and refresh semantics.
type CredentialRecord struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	IDToken      string    `json:"idToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scope        string    `json:"scope"`
	TenantID     string    `json:"tenantId"`
}

// ServicePrincipalRefreshToken is the sentinel value marking a
// CredentialRecord as belonging to a service principal: such records skip
// signature validation and are never refreshed.
const ServicePrincipalRefreshToken = "service_principal"

// MemoryType classifies which tier a Memory was produced by.
type MemoryType string

const (
	MemoryConversationSummary MemoryType = "conversation_summary"
	MemoryDomainKnowledge     MemoryType = "domain_knowledge"
	MemoryEntityFact          MemoryType = "entity_fact"
)

// Memory is a ranked item retrieved from a tiered memory store.
type Memory struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary"`
	Type       MemoryType `json:"type"`
	Relevance  float64    `json:"relevance"`  // [0,1]
	Importance float64    `json:"importance"` // [0,1]
	Entities   []string   `json:"entities"`
	TokenCount int        `json:"tokenCount"` // 0 means "not known; estimate"
	Reasons    []string   `json:"reasons,omitempty"`
}

// PromptTemplate is a routable system-prompt candidate.
type PromptTemplate struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Content         string    `json:"content"`
	Category        string    `json:"category"`
	Triggers        []string  `json:"triggers"`
	IsDefault       bool      `json:"isDefault"`
	Active          bool      `json:"active"`
	AllowedGroups   []string  `json:"allowedGroups,omitempty"`
	ModelPreference string    `json:"modelPreference,omitempty"`
	Embedding       []float32 `json:"-"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ToolDefinition describes one capability exposed by the Tool Registry.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// BlobMeta is the metadata returned for a stored opaque byte object.
type BlobMeta struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobStatus is the lifecycle state of a BackgroundJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BackgroundJob is a unit of asynchronous work a session or user is waiting on.
type BackgroundJob struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
}

// AccessRequest is a user's pending request for platform access, decided by
// an admin via the Admin Control Plane (§4.N).
type AccessRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Status    string    `json:"status"` // pending|approved|denied
	DecidedBy string    `json:"decidedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	DecidedAt time.Time `json:"decidedAt,omitempty"`
}

// UsageRecord captures one assistant turn's prompt-composition and outcome
// for audit/analytics.
type UsageRecord struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	SessionID        string         `json:"sessionId"`
	MessageID        string         `json:"messageId"`
	BaseTemplateID   string         `json:"baseTemplateId,omitempty"`
	DomainTemplateID string         `json:"domainTemplateId,omitempty"`
	Techniques       []string       `json:"techniques,omitempty"`
	SourceCounts     map[string]int `json:"sourceCounts"` // formatting, tool_context, retrieval, memory, domain_docs
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}
