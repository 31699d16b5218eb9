package daemon

import (
	"encoding/json"
	"log/slog"
)

// Message statuses used on the wire between daemon and CLI.
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON envelope for every control-socket reply.
type Response struct {
	Messages []ResponseMessage      `json:"messages"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// AddMessage appends a status line to the response.
func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

// AddData attaches a named structured payload.
func (r *Response) AddData(key string, data interface{}) {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = data
}

// HasError reports whether any message carries an error status.
func (r *Response) HasError() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

// ToJSON serializes the response for the socket.
func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// LogMessages replays the response's messages through slog, used by the CLI
// side to surface daemon output.
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}

// errorResponse builds a single-message error reply.
func errorResponse(message string) Response {
	var r Response
	r.AddMessage(message, StatusError)
	return r
}
