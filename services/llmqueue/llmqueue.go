// Package llmqueue serializes LLM calls into a durable, priority-ordered
// queue and routes each call through a prioritized provider list with
// bounded retries, per-provider cooldowns and a per-model token budget.
package llmqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a named use case with its own routing policy and model preference.
type Task string

const (
	TaskChat       Task = "chat"
	TaskProcessing Task = "processing"
	TaskEmbeddings Task = "embeddings"
	TaskSynthesis  Task = "synthesis"
)

// Tasks lists the known tasks in a stable order.
var Tasks = []Task{TaskChat, TaskProcessing, TaskEmbeddings, TaskSynthesis}

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	t := Task(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tasks {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task %q", ErrInvalidInput, s)
}

// Priority orders pending requests. Higher rank dequeues first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns 0, 1 or 2 for low, normal and high.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}

// State is the lifecycle state of a request.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled}

// Terminal reports whether s is never left again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Scope references the tenant and project a request belongs to. It is used
// for filtering only.
type Scope struct {
	Tenant  string `json:"tenant,omitempty"`
	Project string `json:"project,omitempty"`
}

// Matches reports whether s falls inside filter. Empty filter fields match anything.
func (s Scope) Matches(filter Scope) bool {
	if filter.Tenant != "" && filter.Tenant != s.Tenant {
		return false
	}
	if filter.Project != "" && filter.Project != s.Project {
		return false
	}
	return true
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the opaque work item handed to a provider.
type Payload struct {
	Prompt          string    `json:"prompt,omitempty"`
	System          string    `json:"system,omitempty"`
	Messages        []Message `json:"messages,omitempty"`
	Texts           []string  `json:"texts,omitempty"`
	Model           string    `json:"model,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	Temperature     float64   `json:"temperature,omitempty"`
}

func (p Payload) clone() Payload {
	out := p
	if p.Messages != nil {
		out.Messages = append([]Message(nil), p.Messages...)
	}
	if p.Texts != nil {
		out.Texts = append([]string(nil), p.Texts...)
	}
	return out
}

// Usage reports token consumption as returned by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Attempt is one provider call in a routing trace.
type Attempt struct {
	ProviderID     string    `json:"provider_id"`
	Model          string    `json:"model,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CountedAttempt bool      `json:"counted_attempt"`
}

// Result is the settled outcome of a request.
type Result struct {
	Success      bool        `json:"success"`
	Text         string      `json:"text,omitempty"`
	Embeddings   [][]float32 `json:"embeddings,omitempty"`
	Usage        Usage       `json:"usage"`
	UsedProvider string      `json:"used_provider,omitempty"`
	Model        string      `json:"model,omitempty"`
	Trace        []Attempt   `json:"trace,omitempty"`
	Skipped      []string    `json:"skipped,omitempty"`
	Budget       *Budget     `json:"budget,omitempty"`
	Error        string      `json:"error,omitempty"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
}

// Request is one queued LLM call.
type Request struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	Task          Task      `json:"task"`
	Priority      Priority  `json:"priority"`
	Payload       Payload   `json:"payload"`
	Scope         Scope     `json:"scope"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	Recoveries    int       `json:"recoveries"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	RetryOf       string    `json:"retry_of,omitempty"`
	RetriedAs     string    `json:"retried_as,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewRequest builds a pending request with a fresh id.
func NewRequest(task Task, priority Priority, payload Payload, scope Scope) *Request {
	if priority == "" {
		priority = PriorityNormal
	}
	now := time.Now().UTC()
	return &Request{
		ID:        uuid.New().String(),
		Task:      task,
		Priority:  priority,
		Payload:   payload,
		Scope:     scope,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the fields a caller controls.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if _, err := ParseTask(string(r.Task)); err != nil {
		return err
	}
	if _, err := ParsePriority(string(r.Priority)); err != nil {
		return err
	}
	if r.Task == TaskEmbeddings {
		if len(r.Payload.Texts) == 0 && r.Payload.Prompt == "" {
			return fmt.Errorf("%w: embeddings need texts", ErrInvalidInput)
		}
		return nil
	}
	if r.Payload.Prompt == "" && len(r.Payload.Messages) == 0 {
		return fmt.Errorf("%w: prompt or messages are required", ErrInvalidInput)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = r.Payload.clone()
	if r.Result != nil {
		res := *r.Result
		res.Trace = append([]Attempt(nil), r.Result.Trace...)
		res.Skipped = append([]string(nil), r.Result.Skipped...)
		if r.Result.Budget != nil {
			b := *r.Result.Budget
			res.Budget = &b
		}
		out.Result = &res
	}
	return &out
}

// before reports whether r dequeues ahead of other.
func (r *Request) before(other *Request) bool {
	if a, b := r.Priority.Rank(), other.Priority.Rank(); a != b {
		return a > b
	}
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.Seq < other.Seq
}
