package dispatch

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/chatrelay/internal/line"
)

//go:embed flex_items.json
var flexItems []byte

// Catalog holds the canned replies that bypass the model. It is read-only
// once built and safe for concurrent use.
type Catalog struct {
	Postbacks map[string][]line.Message // keyed by postback data
	Texts     map[string][]line.Message // keyed by exact message text
}

// DefaultCatalog returns the built-in canned replies: a sticker for the
// "sticker" postback, a product carousel for "flex" and a quick-reply
// prompt for "quick".
func DefaultCatalog() *Catalog {
	return &Catalog{
		Postbacks: map[string][]line.Message{
			"sticker": {line.StickerMessage("11537", "52002735")},
		},
		Texts: map[string][]line.Message{
			"flex": {line.FlexMessage("item list", json.RawMessage(flexItems))},
			"quick": {line.TextMessage("ステッカー欲しいですか❓YesかNoで答えてください, もしくは素敵な写真送って❗️").WithQuickReply(
				line.PostbackAction("Yes", "sticker", "ステッカーください❗️"),
				line.MessageAction("No", "不要。"),
				line.CameraAction("camera"),
			)},
		},
	}
}

// Text returns the canned reply for an exact text match.
func (c *Catalog) Text(text string) ([]line.Message, bool) {
	msgs, ok := c.Texts[text]
	return msgs, ok
}

// Postback returns the canned reply for postback data.
func (c *Catalog) Postback(data string) ([]line.Message, bool) {
	msgs, ok := c.Postbacks[data]
	return msgs, ok
}

// catalogFile is the on-disk layout. Messages use the Messaging API JSON
// field names, written as YAML or JSON.
type catalogFile struct {
	Replace   bool                        `yaml:"replace"`
	Postbacks map[string][]map[string]any `yaml:"postbacks"`
	Texts     map[string][]map[string]any `yaml:"texts"`
}

// LoadCatalog reads canned replies from a YAML or JSON file and layers them
// over the defaults. With "replace: true" the defaults are dropped.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog file %s: %w", path, err)
	}

	cat := DefaultCatalog()
	if f.Replace {
		cat = &Catalog{Postbacks: map[string][]line.Message{}, Texts: map[string][]line.Message{}}
	}
	if err := mergeEntries(cat.Postbacks, f.Postbacks, "postbacks"); err != nil {
		return nil, err
	}
	if err := mergeEntries(cat.Texts, f.Texts, "texts"); err != nil {
		return nil, err
	}
	return cat, nil
}

func mergeEntries(dst map[string][]line.Message, src map[string][]map[string]any, section string) error {
	for key, raw := range src {
		if len(raw) == 0 || len(raw) > line.MaxReplyMessages {
			return fmt.Errorf("catalog %s.%s: need 1 to %d messages, got %d", section, key, line.MaxReplyMessages, len(raw))
		}
		// Round-trip through JSON so the Messaging API field names apply.
		b, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("catalog %s.%s: %w", section, key, err)
		}
		var msgs []line.Message
		if err := json.Unmarshal(b, &msgs); err != nil {
			return fmt.Errorf("catalog %s.%s: %w", section, key, err)
		}
		for i, m := range msgs {
			if m.Type == "" {
				return fmt.Errorf("catalog %s.%s[%d]: missing message type", section, key, i)
			}
		}
		dst[key] = msgs
	}
	return nil
}
