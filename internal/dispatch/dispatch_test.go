package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/chatrelay/internal/line"
	"github.com/jkaninda/chatrelay/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentReply struct {
	token    string
	messages []line.Message
}

type fakePlatform struct {
	mu       sync.Mutex
	replies  []sentReply
	replyErr error
	content  []byte
}

func (p *fakePlatform) Reply(ctx context.Context, token string, msgs ...line.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyErr != nil {
		return p.replyErr
	}
	p.replies = append(p.replies, sentReply{token: token, messages: msgs})
	return nil
}

func (p *fakePlatform) Content(ctx context.Context, id string) ([]byte, string, error) {
	return p.content, "image/jpeg", nil
}

func (p *fakePlatform) byToken(token string) (sentReply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.replies {
		if r.token == token {
			return r, true
		}
	}
	return sentReply{}, false
}

type fakeCompleter struct {
	mu        sync.Mutex
	replyErr  map[string]error // keyed by user text
	calls     int
	classify  string
	lastImage []byte
}

func (c *fakeCompleter) Reply(ctx context.Context, id, text string) (*relay.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.replyErr[text]; err != nil {
		return nil, err
	}
	return &relay.Result{Text: "re:" + text}, nil
}

func (c *fakeCompleter) Classify(ctx context.Context, image []byte, mime string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastImage = image
	return c.classify, nil
}

type fakeStore struct {
	names []string
}

func (s *fakeStore) Put(ctx context.Context, name string, data []byte, ct string) (string, error) {
	s.names = append(s.names, name)
	return "https://cdn.example.com/files/" + name, nil
}

func (s *fakeStore) Name() string { return "fake" }

func textEvent(token, user, text string) line.Event {
	return line.Event{
		Type:       line.EventMessage,
		ReplyToken: token,
		Source:     line.Source{Type: "user", UserID: user},
		Message:    &line.InboundMessage{ID: "m-" + token, Type: line.MessageText, Text: text},
	}
}

func TestDispatch_QuickIsCannedAndSkipsRelay(t *testing.T) {
	p, c := &fakePlatform{}, &fakeCompleter{}
	d := New(p, c, nil, Config{}, nil, discardLogger())

	ev := textEvent("r1", "u1", "quick")
	res, err := d.Dispatch(context.Background(), &ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Action != ActionCanned {
		t.Errorf("expected canned action, got %q", res.Action)
	}
	if c.calls != 0 {
		t.Errorf("relay called %d times for a canned trigger", c.calls)
	}

	r, _ := p.byToken("r1")
	if len(r.messages) != 1 || r.messages[0].QuickReply == nil || len(r.messages[0].QuickReply.Items) != 3 {
		t.Fatalf("unexpected quick reply %+v", r.messages)
	}
	yes := r.messages[0].QuickReply.Items[0].Action
	if yes.Type != "postback" || yes.Data != "sticker" {
		t.Errorf("unexpected first action %+v", yes)
	}
}

func TestDispatch_FlexCarousel(t *testing.T) {
	p := &fakePlatform{}
	d := New(p, &fakeCompleter{}, nil, Config{}, nil, discardLogger())

	ev := textEvent("r1", "u1", "flex")
	if _, err := d.Dispatch(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	r, _ := p.byToken("r1")
	m := r.messages[0]
	if m.Type != "flex" || m.AltText != "item list" {
		t.Fatalf("unexpected flex message %+v", m)
	}
	var carousel struct {
		Type     string            `json:"type"`
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(m.Contents, &carousel); err != nil {
		t.Fatalf("flex contents not valid JSON: %v", err)
	}
	if carousel.Type != "carousel" || len(carousel.Contents) != 3 {
		t.Errorf("unexpected carousel %s with %d bubbles", carousel.Type, len(carousel.Contents))
	}
}

func TestDispatch_TextRelayed(t *testing.T) {
	p, c := &fakePlatform{}, &fakeCompleter{}
	d := New(p, c, nil, Config{}, nil, discardLogger())

	ev := textEvent("r1", "u1", "hello")
	res, err := d.Dispatch(context.Background(), &ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionRelay || c.calls != 1 {
		t.Errorf("expected relay action with 1 call, got %q/%d", res.Action, c.calls)
	}
	r, _ := p.byToken("r1")
	if r.messages[0].Text != "re:hello" {
		t.Errorf("unexpected reply %q", r.messages[0].Text)
	}
}

func TestDispatch_StickerPostback(t *testing.T) {
	p := &fakePlatform{}
	d := New(p, &fakeCompleter{}, nil, Config{}, nil, discardLogger())

	ev := line.Event{Type: line.EventPostback, ReplyToken: "r1", Postback: &line.Postback{Data: "sticker"}}
	if _, err := d.Dispatch(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	r, _ := p.byToken("r1")
	if r.messages[0].Type != "sticker" || r.messages[0].PackageID != "11537" || r.messages[0].StickerID != "52002735" {
		t.Errorf("unexpected sticker %+v", r.messages[0])
	}

	unknown := line.Event{Type: line.EventPostback, ReplyToken: "r2", Postback: &line.Postback{Data: "nope"}}
	res, err := d.Dispatch(context.Background(), &unknown)
	if err != nil || res != nil {
		t.Errorf("expected no-op for unknown postback, got %v %v", res, err)
	}
}

func TestDispatch_ImageEcho(t *testing.T) {
	p := &fakePlatform{content: []byte{0xff, 0xd8}}
	store := &fakeStore{}
	d := New(p, &fakeCompleter{}, store, Config{}, nil, discardLogger())

	ev := line.Event{Type: line.EventMessage, ReplyToken: "r1", Message: &line.InboundMessage{ID: "1", Type: line.MessageImage}}
	res, err := d.Dispatch(context.Background(), &ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionImage {
		t.Errorf("unexpected action %q", res.Action)
	}
	if len(store.names) != 1 || !strings.HasSuffix(store.names[0], ".jpg") || len(store.names[0]) != 44 {
		t.Fatalf("unexpected stored names %v", store.names)
	}
	r, _ := p.byToken("r1")
	want := "https://cdn.example.com/files/" + store.names[0]
	if r.messages[0].OriginalContentURL != want || r.messages[0].PreviewImageURL != want {
		t.Errorf("unexpected image message %+v", r.messages[0])
	}
}

func TestDispatch_AudioEcho(t *testing.T) {
	p := &fakePlatform{content: []byte("id3")}
	store := &fakeStore{}
	d := New(p, &fakeCompleter{}, store, Config{}, nil, discardLogger())

	ev := line.Event{Type: line.EventMessage, ReplyToken: "r1", Message: &line.InboundMessage{ID: "1", Type: line.MessageAudio}}
	if _, err := d.Dispatch(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	r, _ := p.byToken("r1")
	if r.messages[0].Type != "audio" || r.messages[0].Duration != DefaultAudioDuration {
		t.Errorf("unexpected audio message %+v", r.messages[0])
	}
	if !strings.HasSuffix(store.names[0], ".mp3") {
		t.Errorf("unexpected name %q", store.names[0])
	}
}

func TestDispatch_ImageWithoutStore(t *testing.T) {
	d := New(&fakePlatform{}, &fakeCompleter{}, nil, Config{}, nil, discardLogger())
	ev := line.Event{Type: line.EventMessage, ReplyToken: "r1", Message: &line.InboundMessage{ID: "1", Type: line.MessageImage}}
	if _, err := d.Dispatch(context.Background(), &ev); err == nil {
		t.Fatal("expected error without a media store")
	}
}

func TestDispatch_LocationEcho(t *testing.T) {
	p := &fakePlatform{}
	d := New(p, &fakeCompleter{}, nil, Config{}, nil, discardLogger())

	ev := line.Event{Type: line.EventMessage, ReplyToken: "r1", Message: &line.InboundMessage{
		Type: line.MessageLocation, Address: "Tokyo", Latitude: 35.6, Longitude: 139.7,
	}}
	if _, err := d.Dispatch(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	r, _ := p.byToken("r1")
	m := r.messages[0]
	if m.Title != LocationTitle || m.Address != "Tokyo" || *m.Latitude != 35.6 || *m.Longitude != 139.7 {
		t.Errorf("unexpected location %+v", m)
	}
}

func TestDispatch_IgnoredEvents(t *testing.T) {
	p, c := &fakePlatform{}, &fakeCompleter{}
	d := New(p, c, nil, Config{}, nil, discardLogger())

	for _, ev := range []line.Event{
		{Type: line.EventFollow, ReplyToken: "r1"},
		{Type: line.EventMessage, ReplyToken: "r2", Message: &line.InboundMessage{Type: line.MessageSticker}},
		{Type: "unsend"},
	} {
		res, err := d.Dispatch(context.Background(), &ev)
		if err != nil || res != nil {
			t.Errorf("%s: expected no-op, got %v %v", ev.Type, res, err)
		}
	}
	if len(p.replies) != 0 || c.calls != 0 {
		t.Errorf("ignored events produced side effects")
	}
}

func TestDispatch_VisionMode(t *testing.T) {
	p := &fakePlatform{content: []byte{1, 2, 3}}
	c := &fakeCompleter{classify: "ちいかわ"}
	d := New(p, c, nil, Config{Mode: ModeVision}, nil, discardLogger())

	img := line.Event{Type: line.EventMessage, ReplyToken: "r1", Message: &line.InboundMessage{ID: "1", Type: line.MessageImage}}
	res, err := d.Dispatch(context.Background(), &img)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionClassify || len(c.lastImage) != 3 {
		t.Errorf("unexpected classify result %+v", res)
	}
	r, _ := p.byToken("r1")
	if r.messages[0].Text != "ちいかわ" {
		t.Errorf("unexpected label %q", r.messages[0].Text)
	}

	txt := textEvent("r2", "u1", "quick")
	if _, err := d.Dispatch(context.Background(), &txt); err != nil {
		t.Fatal(err)
	}
	r, _ = p.byToken("r2")
	if r.messages[0].Text != DefaultVisionHint {
		t.Errorf("expected hint, got %q", r.messages[0].Text)
	}
	if c.calls != 0 {
		t.Error("vision mode called the chat relay")
	}
}

func TestHandleBatch_OrderAndIsolation(t *testing.T) {
	p := &fakePlatform{}
	c := &fakeCompleter{replyErr: map[string]error{"fail": errors.New("upstream down")}}
	d := New(p, c, nil, Config{}, nil, discardLogger())

	events := []line.Event{
		textEvent("r1", "u1", "hello"),
		{Type: line.EventFollow},
		textEvent("r3", "u2", "quick"),
	}
	results, err := d.HandleBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 || results[0].Action != ActionRelay || results[1] != nil || results[2].Action != ActionCanned {
		t.Fatalf("unexpected results %+v", results)
	}

	// One failing event fails the batch but the others still reply.
	p2 := &fakePlatform{}
	d2 := New(p2, c, nil, Config{}, nil, discardLogger())
	_, err = d2.HandleBatch(context.Background(), []line.Event{
		textEvent("a", "u1", "fail"),
		textEvent("b", "u2", "hello"),
	})
	if err == nil {
		t.Fatal("expected batch error")
	}
	if _, ok := p2.byToken("a"); ok {
		t.Error("failed event produced a reply")
	}
	if r, ok := p2.byToken("b"); !ok || r.messages[0].Text != "re:hello" {
		t.Error("sibling event did not reply")
	}
}

func TestHandleBatch_FailureReply(t *testing.T) {
	p := &fakePlatform{}
	c := &fakeCompleter{replyErr: map[string]error{"fail": errors.New("down")}}
	d := New(p, c, nil, Config{FailureReply: "sorry"}, nil, discardLogger())

	if _, err := d.HandleBatch(context.Background(), []line.Event{textEvent("a", "u1", "fail")}); err == nil {
		t.Fatal("expected error")
	}
	r, ok := p.byToken("a")
	if !ok || r.messages[0].Text != "sorry" {
		t.Errorf("failure reply not sent: %+v", p.replies)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := New(&fakePlatform{}, &fakeCompleter{}, nil, Config{}, NewMetrics(reg), discardLogger())
	ev := textEvent("r1", "u1", "quick")
	if _, err := d.Dispatch(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 1 || families[0].GetName() != "chatrelay_dispatch_events_total" {
		t.Fatalf("unexpected families %v", families)
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canned.yaml")
	data := `
postbacks:
  sticker:
    - type: sticker
      packageId: "446"
      stickerId: "1988"
texts:
  hello:
    - type: text
      text: こんにちは
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if msgs, ok := cat.Postback("sticker"); !ok || msgs[0].PackageID != "446" {
		t.Errorf("sticker not overridden: %+v", msgs)
	}
	if msgs, ok := cat.Text("hello"); !ok || msgs[0].Text != "こんにちは" {
		t.Errorf("hello not loaded: %+v", msgs)
	}
	if _, ok := cat.Text("quick"); !ok {
		t.Error("defaults dropped without replace")
	}
}

func TestLoadCatalog_ReplaceAndValidation(t *testing.T) {
	dir := t.TempDir()
	replace := filepath.Join(dir, "replace.yaml")
	os.WriteFile(replace, []byte("replace: true\ntexts:\n  hi:\n    - type: text\n      text: hey\n"), 0o644)
	cat, err := LoadCatalog(replace)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Text("quick"); ok {
		t.Error("defaults kept with replace")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("texts:\n  hi:\n    - text: no type\n"), 0o644)
	if _, err := LoadCatalog(bad); err == nil {
		t.Error("expected error for message without type")
	}

	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
