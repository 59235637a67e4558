package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/webpilot-ai/webpilot/pkg/stream"
)

// Inbound message types. IMAGE and PDF messages carry a stored file
// reference in content rather than user text.
const (
	MessageTypeText  = "TEXT"
	MessageTypeImage = "IMAGE"
	MessageTypePDF   = "PDF"
)

// TurnRequest is a client's request to run one turn
type TurnRequest struct {
	SessionID   string `json:"session_id"`
	MessageType string `json:"message_type,omitempty"`
	Content     string `json:"content,omitempty"`

	// Message is the TEXT shorthand: equivalent to message_type TEXT
	// with the same content
	Message string `json:"message,omitempty"`
}

// turnInput validates the request and folds it into the text a turn
// starts from. File-backed messages become an instruction naming the
// stored reference so the model can pick it up with its tools.
func (r *TurnRequest) turnInput() (string, error) {
	if r.SessionID == "" {
		return "", errors.New("session_id is required")
	}
	switch r.MessageType {
	case "", MessageTypeText:
		text := r.Content
		if text == "" {
			text = r.Message
		}
		if text == "" {
			return "", errors.New("message content is required")
		}
		return text, nil
	case MessageTypeImage:
		if r.Content == "" {
			return "", errors.New("content is required for IMAGE messages")
		}
		return fmt.Sprintf("The user sent an image, stored at file reference %q.", r.Content), nil
	case MessageTypePDF:
		if r.Content == "" {
			return "", errors.New("content is required for PDF messages")
		}
		return fmt.Sprintf("The user sent a PDF document, stored at file reference %q. Read it before answering.", r.Content), nil
	default:
		return "", fmt.Errorf("unknown message_type %q", r.MessageType)
	}
}

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// TurnRunner starts turns and yields their node sequences
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, message string) (<-chan stream.Node, error)
}

// SessionEvictor removes sessions on client request
type SessionEvictor interface {
	Evict(id string) error
}

// ArtifactGetter serves stored artifact payloads by ref
type ArtifactGetter interface {
	Get(ref string) ([]byte, string, error)
}
