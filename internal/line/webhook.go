// Package line is the boundary to the LINE Messaging API: inbound webhook
// payloads, request signature verification, the reply and content endpoints
// and constructors for outbound messages.
package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when a webhook body does not match its signature.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types delivered by the platform.
const (
	EventMessage  = "message"
	EventPostback = "postback"
	EventFollow   = "follow"
	EventUnfollow = "unfollow"
)

// Inbound message types.
const (
	MessageText     = "text"
	MessageImage    = "image"
	MessageVideo    = "video"
	MessageAudio    = "audio"
	MessageFile     = "file"
	MessageLocation = "location"
	MessageSticker  = "sticker"
)

// WebhookBody is the payload POSTed to the callback URL.
type WebhookBody struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is a single webhook event. Only the fields the relay acts on are decoded.
type Event struct {
	Type           string          `json:"type"`
	Mode           string          `json:"mode,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	WebhookEventID string          `json:"webhookEventId,omitempty"`
	ReplyToken     string          `json:"replyToken,omitempty"`
	Source         Source          `json:"source"`
	Message        *InboundMessage `json:"message,omitempty"`
	Postback       *Postback       `json:"postback,omitempty"`
}

// ConversationID returns the id the conversation history is keyed on: the
// sending user, falling back to the group or room for sources without one.
func (e *Event) ConversationID() string {
	switch {
	case e.Source.UserID != "":
		return e.Source.UserID
	case e.Source.GroupID != "":
		return e.Source.GroupID
	default:
		return e.Source.RoomID
	}
}

// Source identifies who sent the event.
type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// InboundMessage is the message carried by a "message" event.
type InboundMessage struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Duration  int     `json:"duration,omitempty"`
	FileName  string  `json:"fileName,omitempty"`
	Title     string  `json:"title,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	PackageID string  `json:"packageId,omitempty"`
	StickerID string  `json:"stickerId,omitempty"`
}

// Postback carries the data of a postback action.
type Postback struct {
	Data string `json:"data"`
}

// Sign returns the signature the platform would send for body.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body using the channel secret.
func VerifySignature(channelSecret string, body []byte, signature string) error {
	if channelSecret == "" || signature == "" {
		return ErrInvalidSignature
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)

	// Constant-time comparison.
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}
