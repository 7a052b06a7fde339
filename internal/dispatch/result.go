package dispatch

import (
	"github.com/nerrad567/carrelay/internal/eventlog"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind string

// Error kinds. KindNone is the zero value carried by successful results.
const (
	KindNone                ErrorKind = ""
	KindInvalidCommand      ErrorKind = "invalid_command"
	KindInvalidSequenceItem ErrorKind = "invalid_sequence_item"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindNotFound            ErrorKind = "not_found"
	KindPersistence         ErrorKind = "persistence_error"
)

// IsValidation reports whether the kind is a caller mistake.
func (k ErrorKind) IsValidation() bool {
	switch k {
	case KindInvalidCommand, KindInvalidSequenceItem, KindInvalidRequest:
		return true
	}
	return false
}

// Messages returned to callers.
const (
	MsgInvalidCommand = "Comando no válido"
	msgInvalidItemFmt = "Comando inválido en secuencia: %s"
	msgPersistence    = "failed to record event"
)

// Result is the uniform outcome of every dispatch operation.
type Result struct {
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"error_kind,omitempty"`
	Error   string    `json:"error,omitempty"`

	DeviceID    int64  `json:"device_id,omitempty"`
	Command     string `json:"command,omitempty"`
	StatusClave int    `json:"status_clave,omitempty"`
	DurationMs  int    `json:"duration_ms,omitempty"`
	EventID     int64  `json:"event_id,omitempty"`
	DemoID      int64  `json:"demo_id,omitempty"`
	Moves       int    `json:"moves,omitempty"`
	Repeats     int    `json:"repeats,omitempty"`
	Events      int    `json:"events,omitempty"`

	// Delivered counts connections that received the push.
	Delivered int `json:"delivered"`

	// ValidCommands is filled on KindInvalidCommand.
	ValidCommands []string `json:"valid_commands,omitempty"`

	// Meta is the merged metadata that was persisted.
	Meta eventlog.Meta `json:"-"`
}

func failure(kind ErrorKind, msg string) Result {
	return Result{Kind: kind, Error: msg}
}
