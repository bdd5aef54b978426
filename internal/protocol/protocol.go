// Package protocol defines the closed set of cross-context messages exchanged
// between a page relay and the correlator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action tags a request message.
type Action string

const (
	ActionTestConnection      Action = "TEST_CONNECTION"
	ActionSendImport          Action = "SEND_IMPORT"
	ActionDownloadURLCaptured Action = "DOWNLOAD_URL_CAPTURED"
	ActionConnectionStatus    Action = "GET_CONNECTION_STATUS"
	ActionCheckImportStatus   Action = "CHECK_IMPORT_STATUS"
	ActionSessionDetected     Action = "WP_SESSION_DETECTED"
	ActionDetectAccounts      Action = "DETECT_WP_ACCOUNTS"
	ActionConnectAccount      Action = "CONNECT_WP_ACCOUNT"
	ActionDisconnectAccount   Action = "DISCONNECT_WP_ACCOUNT"
	ActionPageClosed          Action = "PAGE_CLOSED"
)

// Actions lists every known action.
var Actions = []Action{
	ActionTestConnection,
	ActionSendImport,
	ActionDownloadURLCaptured,
	ActionConnectionStatus,
	ActionCheckImportStatus,
	ActionSessionDetected,
	ActionDetectAccounts,
	ActionConnectAccount,
	ActionDisconnectAccount,
	ActionPageClosed,
}

// Known reports whether a is part of the protocol.
func (a Action) Known() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// NotificationImportResult is the type of an asynchronous import outcome.
const NotificationImportResult = "IMPORT_RESULT"

// StatusWaitingForDownload marks a queued import awaiting a capture.
const StatusWaitingForDownload = "waiting_for_download"

// Message is a request from a page.
type Message struct {
	ID      string          `json:"id"`
	Action  Action          `json:"action"`
	Page    string          `json:"page"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Message.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is pushed to a page without a preceding request.
type Notification struct {
	Type   string   `json:"type"`
	Page   string   `json:"page"`
	Result Response `json:"result"`
}

// Envelope is the wire frame; exactly one member is set.
type Envelope struct {
	Message      *Message      `json:"message,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// ImportPayload is the SEND_IMPORT payload.
type ImportPayload struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Category     string `json:"category,omitempty"`
	SourceURL    string `json:"sourceUrl,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
}

// CapturePayload is the DOWNLOAD_URL_CAPTURED payload.
type CapturePayload struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// ImportStatusPayload is the CHECK_IMPORT_STATUS payload.
type ImportStatusPayload struct {
	JobID int64 `json:"jobId"`
}

// SessionPayload describes a logged-in target site session.
type SessionPayload struct {
	SiteURL    string `json:"siteUrl"`
	RESTURL    string `json:"restUrl"`
	Nonce      string `json:"nonce"`
	User       string `json:"user,omitempty"`
	Cookies    string `json:"cookies,omitempty"`
	DetectedAt int64  `json:"detectedAt,omitempty"`
	Expired    bool   `json:"expired,omitempty"`
}

// AccountPayload selects a detected session by site.
type AccountPayload struct {
	SiteURL string `json:"siteUrl"`
}

// Success builds a successful response with data marshalled to JSON.
func Success(id, message string, data any) Response {
	return Response{ID: id, Success: true, Message: message, Data: mustMarshal(data)}
}

// Failure builds a failed response.
func Failure(id, message string) Response {
	return Response{ID: id, Success: false, Message: message}
}

// Decode unmarshals a message payload into dst. An empty payload leaves dst
// untouched.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Action, err)
	}
	return nil
}

// NewMessage builds a message with payload marshalled to JSON.
func NewMessage(id string, action Action, page string, payload any) (Message, error) {
	msg := Message{ID: id, Action: action, Page: page}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", action, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodeData unmarshals response data into dst.
func (r Response) DecodeData(dst any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, dst)
}

// Status returns data.status when the data object carries one.
func (r Response) Status() string {
	var probe struct {
		Status string `json:"status"`
	}
	if err := r.DecodeData(&probe); err != nil {
		return ""
	}
	return probe.Status
}

func mustMarshal(data any) json.RawMessage {
	switch v := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}
