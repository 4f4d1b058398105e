package line

import "encoding/json"

// Message is an outbound message. Type selects which fields are meaningful;
// use the constructors rather than filling it by hand.
type Message struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	PackageID string `json:"packageId,omitempty"`
	StickerID string `json:"stickerId,omitempty"`

	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
	Duration           int    `json:"duration,omitempty"`

	Title     string   `json:"title,omitempty"`
	Address   string   `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	AltText  string          `json:"altText,omitempty"`
	Contents json.RawMessage `json:"contents,omitempty"`

	QuickReply *QuickReply `json:"quickReply,omitempty"`
}

// QuickReply is the button row shown above the keyboard.
type QuickReply struct {
	Items []QuickReplyItem `json:"items"`
}

// QuickReplyItem is one quick reply button.
type QuickReplyItem struct {
	Type     string `json:"type"`
	ImageURL string `json:"imageUrl,omitempty"`
	Action   Action `json:"action"`
}

// Action is what happens when a button is tapped.
type Action struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Data        string `json:"data,omitempty"`
	DisplayText string `json:"displayText,omitempty"`
	Text        string `json:"text,omitempty"`
}

func TextMessage(text string) Message {
	return Message{Type: "text", Text: text}
}

func StickerMessage(packageID, stickerID string) Message {
	return Message{Type: "sticker", PackageID: packageID, StickerID: stickerID}
}

// ImageMessage references an image by URL. Both URLs must be HTTPS for the platform to accept them.
func ImageMessage(originalURL, previewURL string) Message {
	return Message{Type: "image", OriginalContentURL: originalURL, PreviewImageURL: previewURL}
}

// AudioMessage references an audio file by URL; duration is in milliseconds.
func AudioMessage(url string, duration int) Message {
	return Message{Type: "audio", OriginalContentURL: url, Duration: duration}
}

func LocationMessage(title, address string, latitude, longitude float64) Message {
	return Message{Type: "location", Title: title, Address: address, Latitude: &latitude, Longitude: &longitude}
}

// FlexMessage wraps a flex container (bubble or carousel) given as raw JSON.
func FlexMessage(altText string, contents json.RawMessage) Message {
	return Message{Type: "flex", AltText: altText, Contents: contents}
}

// WithQuickReply returns a copy of m with the given quick reply buttons attached.
func (m Message) WithQuickReply(items ...QuickReplyItem) Message {
	m.QuickReply = &QuickReply{Items: items}
	return m
}

func PostbackAction(label, data, displayText string) QuickReplyItem {
	return QuickReplyItem{Type: "action", Action: Action{Type: "postback", Label: label, Data: data, DisplayText: displayText}}
}

func MessageAction(label, text string) QuickReplyItem {
	return QuickReplyItem{Type: "action", Action: Action{Type: "message", Label: label, Text: text}}
}

func CameraAction(label string) QuickReplyItem {
	return QuickReplyItem{Type: "action", Action: Action{Type: "camera", Label: label}}
}

func CameraRollAction(label string) QuickReplyItem {
	return QuickReplyItem{Type: "action", Action: Action{Type: "cameraRoll", Label: label}}
}
