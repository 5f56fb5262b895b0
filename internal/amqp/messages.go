package amqp

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"explorer/internal/core"
)

// IngestMessage asks a worker to ingest one statement. The statement bytes
// travel inline, base64 encoded, so workers need no shared storage.
type IngestMessage struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	DataB64     string    `json:"data_b64"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewIngestMessage wraps st in a message with a fresh ID.
func NewIngestMessage(st core.Statement) *IngestMessage {
	return &IngestMessage{
		ID:          uuid.NewString(),
		Filename:    st.BaseName(),
		ContentType: st.ContentType,
		DataB64:     base64.StdEncoding.EncodeToString(st.Data),
		Timestamp:   time.Now().UTC(),
	}
}

// Statement decodes the carried statement.
func (m *IngestMessage) Statement() (core.Statement, error) {
	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		return core.Statement{}, fmt.Errorf("decode statement data: %w", err)
	}
	return core.Statement{Filename: m.Filename, ContentType: m.ContentType, Data: data}, nil
}

// ToJSON converts the message to JSON bytes
func (m *IngestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// IngestMessageFromJSON parses and checks a message body.
func IngestMessageFromJSON(data []byte) (*IngestMessage, error) {
	var msg IngestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", msg.ID, err)
	}
	if msg.DataB64 == "" {
		return nil, errors.New("message carries no statement data")
	}
	return &msg, nil
}
