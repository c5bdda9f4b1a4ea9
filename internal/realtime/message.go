package realtime

import (
	"encoding/json"
	"time"
)

// MessageType names a frame on the job status channel.
type MessageType string

// Client to server.
const (
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessagePing        MessageType = "ping"
	MessageListActive  MessageType = "list-active"
)

// Server to client.
const (
	MessageConnected  MessageType = "connected"
	MessageStatus     MessageType = "status"
	MessageActiveJobs MessageType = "active-jobs"
	MessagePong       MessageType = "pong"
	MessageError      MessageType = "error"
)

// AllJobs is the wildcard subscription key. An empty jobId means the same.
const AllJobs = "*"

// ClientMessage is what observers send.
type ClientMessage struct {
	Type  MessageType `json:"type"`
	JobID string      `json:"jobId,omitempty"`
}

// ServerMessage is what the hub sends. Data carries a PushJob for status frames, a list of them for
// active-jobs, and {"message": ...} for errors.
type ServerMessage struct {
	Type      MessageType     `json:"type"`
	JobID     string          `json:"jobId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newServerMessage(kind MessageType, jobID string, data any, now time.Time) (ServerMessage, error) {
	msg := ServerMessage{Type: kind, JobID: jobID, Timestamp: now}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return ServerMessage{}, err
		}
		msg.Data = encoded
	}
	return msg, nil
}

type errorData struct {
	Message string `json:"message"`
}

type connectedData struct {
	ClientID string `json:"clientId"`
	User     string `json:"user,omitempty"`
}
