package runner

import (
	"time"
)

// Kind classifies how an invocation ended.
type Kind string

const (
	// KindSuccess means the engine exited 0 and printed a parseable result.
	KindSuccess Kind = "success"
	// KindFailure covers spawn errors, non-zero exits and unparseable output.
	KindFailure Kind = "failure"
	// KindCancelled means the job was marked cancelled before it exited.
	KindCancelled Kind = "cancelled"
)

// Message texts shared with callers that match on them.
const (
	MsgNoResult  = "no parseable result"
	MsgCancelled = "job cancelled"
)

// Invocation is one request to run an engine command.
type Invocation struct {
	// ID is used as the job id; a random one is assigned when empty.
	ID      string
	Command string
	Args    []string
	// OnProgress receives each decoded progress payload in emission order,
	// always from the same goroutine and always before the outcome resolves.
	OnProgress func(payload map[string]any)
}

// Outcome is the terminal result of an invocation. It is produced exactly once.
type Outcome struct {
	JobID       string
	Command     string
	Kind        Kind
	Payload     map[string]any
	Message     string
	ExitCode    int
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// OK reports whether the invocation produced a result payload.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Failure builds a failed outcome with msg as its message.
func Failure(msg string) Outcome {
	return Outcome{Kind: KindFailure, Message: msg, ExitCode: -1}
}
