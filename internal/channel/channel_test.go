// ABOUTME: Tests for channel frame production and membership
// ABOUTME: Uses an in-memory provider that can be told to go empty
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProvider serves tracks whose content is a repeated byte
type fakeProvider struct {
	tracks   map[string][]byte // ID -> full file content
	results  [][]Track         // successive Search results; empty once drained
	searches []string
	opened   []string
	failOpen map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tracks:   make(map[string][]byte),
		failOpen: make(map[string]bool),
	}
}

func (p *fakeProvider) add(id string, header int, body []byte) Track {
	content := append(bytes.Repeat([]byte{0xEE}, header), body...)
	p.tracks[id] = content
	return Track{ID: id, Title: "title-" + id, Location: id, HeaderSize: header}
}

func (p *fakeProvider) Search(ctx context.Context, query string, count int) ([]Track, error) {
	p.searches = append(p.searches, query)
	if len(p.results) == 0 {
		return nil, nil
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r, nil
}

func (p *fakeProvider) Materialize(ctx context.Context, track Track) (Source, error) {
	if p.failOpen[track.ID] {
		return nil, fmt.Errorf("cannot open %s", track.ID)
	}
	content, ok := p.tracks[track.ID]
	if !ok {
		return nil, fmt.Errorf("unknown track %s", track.ID)
	}
	p.opened = append(p.opened, track.ID)
	return io.NopCloser(bytes.NewReader(content)), nil
}

func testOptions(frameSize int) Options {
	return Options{FrameSize: frameSize, Logger: zerolog.Nop()}
}

func TestPullNextFrameConcatenatesTracks(t *testing.T) {
	p := newFakeProvider()
	a := p.add("a", 44, bytes.Repeat([]byte{1}, 6))
	b := p.add("b", 44, bytes.Repeat([]byte{2}, 10))
	p.results = [][]Track{{a, b}}

	ch := New("lobby", p, testOptions(8))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	frame, err := ch.PullNextFrame(context.Background())
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	want := []byte{1, 1, 1, 1, 1, 1, 2, 2}
	if !bytes.Equal(frame, want) {
		t.Errorf("expected %v, got %v", want, frame)
	}
	if ch.NowPlaying() != "title-b" {
		t.Errorf("expected now playing title-b, got %q", ch.NowPlaying())
	}
}

func TestPullNextFrameRotatesWhenProviderEmpty(t *testing.T) {
	p := newFakeProvider()
	only := p.add("only", 44, []byte{1, 2, 3, 4, 5})
	p.results = [][]Track{{only}}

	ch := New("jazz", p, testOptions(4))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// 5-byte track, 4-byte frames: every frame after the first wraps
	expected := [][]byte{
		{1, 2, 3, 4},
		{5, 1, 2, 3},
		{4, 5, 1, 2},
		{3, 4, 5, 1},
	}
	for i, want := range expected {
		frame, err := ch.PullNextFrame(context.Background())
		if err != nil {
			t.Fatalf("pull %d failed: %v", i, err)
		}
		if len(frame) != 4 {
			t.Fatalf("pull %d: expected 4 bytes, got %d", i, len(frame))
		}
		if !bytes.Equal(frame, want) {
			t.Errorf("pull %d: expected %v, got %v", i, want, frame)
		}
	}

	if len(p.searches) < 2 {
		t.Errorf("expected refill attempts after the queue emptied, got %d searches", len(p.searches))
	}
}

func TestPullNextFrameAlwaysFull(t *testing.T) {
	p := newFakeProvider()
	var tracks []Track
	for i := 0; i < 3; i++ {
		body := bytes.Repeat([]byte{byte(i + 1)}, 1000+i*37)
		tracks = append(tracks, p.add(fmt.Sprintf("t%d", i), 44, body))
	}
	p.results = [][]Track{tracks}

	ch := New("lobby", p, testOptions(4096))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		frame, err := ch.PullNextFrame(context.Background())
		if err != nil {
			t.Fatalf("pull %d failed: %v", i, err)
		}
		if len(frame) != 4096 {
			t.Fatalf("pull %d: expected 4096 bytes, got %d", i, len(frame))
		}
		if bytes.IndexByte(frame, 0xEE) >= 0 {
			t.Fatalf("pull %d: header bytes leaked into audio", i)
		}
	}
}

func TestPullNextFrameNoSourceIsRateLimited(t *testing.T) {
	p := newFakeProvider()

	ch := New("empty", p, testOptions(4))
	clock := time.Unix(1000, 0)
	ch.now = func() time.Time { return clock }

	if err := ch.Load(context.Background()); !errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("expected ErrProviderExhausted, got %v", err)
	}

	if _, err := ch.PullNextFrame(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	if len(p.searches) != 1 {
		t.Errorf("expected no search before retry interval, got %d searches", len(p.searches))
	}

	clock = clock.Add(DefaultRetryInterval)
	track := p.add("late", 0, []byte{9, 9, 9, 9})
	p.results = [][]Track{{track}}

	frame, err := ch.PullNextFrame(context.Background())
	if err != nil {
		t.Fatalf("expected recovery after retry interval, got %v", err)
	}
	if !bytes.Equal(frame, []byte{9, 9, 9, 9}) {
		t.Errorf("expected late track audio, got %v", frame)
	}
}

func TestPullNextFrameSkipsUnopenableTracks(t *testing.T) {
	p := newFakeProvider()
	bad := p.add("bad", 0, []byte{7, 7, 7, 7})
	good := p.add("good", 0, []byte{8, 8, 8, 8})
	p.failOpen["bad"] = true
	p.results = [][]Track{{bad, good}}

	ch := New("lobby", p, testOptions(4))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	frame, err := ch.PullNextFrame(context.Background())
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !bytes.Equal(frame, []byte{8, 8, 8, 8}) {
		t.Errorf("expected good track audio, got %v", frame)
	}
}

func TestPullNextFrameEmptyTracksDoNotSpin(t *testing.T) {
	p := newFakeProvider()
	empty := p.add("empty", 44, nil)
	p.results = [][]Track{{empty}}

	ch := New("silence", p, testOptions(4))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if _, err := ch.PullNextFrame(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource for a channel of empty tracks, got %v", err)
	}
}

func TestPrepareAndInstallRetarget(t *testing.T) {
	p := newFakeProvider()
	old := p.add("old", 0, bytes.Repeat([]byte{1}, 100))
	queued := p.add("queued", 0, bytes.Repeat([]byte{2}, 100))
	fresh := p.add("fresh", 0, bytes.Repeat([]byte{3}, 100))
	p.results = [][]Track{{old, queued}, {fresh}}

	ch := New("lobby", p, testOptions(4))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	prepared, err := ch.Prepare(context.Background(), "miles davis")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	// nothing changes until the result is installed
	if ch.Query() != "lobby" || ch.NowPlaying() != "title-old" {
		t.Errorf("expected channel untouched by prepare, got %q playing %q", ch.Query(), ch.NowPlaying())
	}

	ch.Install(prepared)
	if ch.Query() != "miles davis" {
		t.Errorf("expected query miles davis, got %q", ch.Query())
	}
	if ch.Name() != "lobby" {
		t.Errorf("expected name to stay lobby, got %q", ch.Name())
	}
	if p.searches[len(p.searches)-1] != "miles davis" {
		t.Errorf("expected search for new query, got %v", p.searches)
	}

	frame, _ := ch.PullNextFrame(context.Background())
	if !bytes.Equal(frame, []byte{3, 3, 3, 3}) {
		t.Errorf("expected retargeted audio, got %v", frame)
	}
	if ch.Queued() != 0 {
		t.Errorf("expected old queue discarded, got %d queued", ch.Queued())
	}
}

func TestRetargetEmptyKeepsPlaying(t *testing.T) {
	p := newFakeProvider()
	cur := p.add("cur", 0, bytes.Repeat([]byte{5}, 100))
	p.results = [][]Track{{cur}}

	ch := New("lobby", p, testOptions(4))
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := ch.Retarget(context.Background(), "nothing matches"); !errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("expected ErrProviderExhausted, got %v", err)
	}
	if ch.Query() != "lobby" {
		t.Errorf("expected query kept, got %q", ch.Query())
	}

	frame, err := ch.PullNextFrame(context.Background())
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !bytes.Equal(frame, []byte{5, 5, 5, 5}) {
		t.Errorf("expected current track to keep playing, got %v", frame)
	}
}

func TestPrepareSkipsUnopenableResults(t *testing.T) {
	p := newFakeProvider()
	bad := p.add("bad", 0, []byte{1})
	good := p.add("good", 0, []byte{2})
	rest := p.add("rest", 0, []byte{3})
	p.failOpen["bad"] = true
	p.results = [][]Track{{bad, good, rest}}

	ch := New("lobby", p, testOptions(4))
	prepared, err := ch.Prepare(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer prepared.Close()

	if prepared.Track.ID != "good" {
		t.Errorf("expected good opened, got %s", prepared.Track.ID)
	}
	if len(prepared.Queue) != 1 || prepared.Queue[0].ID != "rest" {
		t.Errorf("expected rest queued, got %v", prepared.Queue)
	}
}

func TestLoadAndRefillScheduling(t *testing.T) {
	p := newFakeProvider()
	only := p.add("only", 0, bytes.Repeat([]byte{4}, 100))
	extra := p.add("extra", 0, bytes.Repeat([]byte{6}, 100))

	ch := New("jazz", p, testOptions(4))
	clock := time.Unix(1000, 0)
	ch.now = func() time.Time { return clock }

	if !ch.NeedsLoad() || ch.Playing() {
		t.Fatal("expected a new channel to need a load")
	}
	ch.Backoff()
	if ch.NeedsLoad() {
		t.Error("expected no load during backoff")
	}
	clock = clock.Add(DefaultRetryInterval)

	p.results = [][]Track{{only}}
	if err := ch.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ch.NeedsLoad() || !ch.NeedsRefill() {
		t.Fatal("expected a playing channel with an empty queue to need a refill")
	}

	if ch.Enqueue("other", []Track{extra}) {
		t.Error("expected a result for another query to be dropped")
	}
	if ch.Enqueue("jazz", nil) || ch.NeedsRefill() {
		t.Error("expected an empty top-up to back off")
	}

	clock = clock.Add(DefaultRetryInterval)
	if !ch.Enqueue("jazz", []Track{extra}) || ch.Queued() != 1 || ch.NeedsRefill() {
		t.Errorf("expected extra queued, got %d queued", ch.Queued())
	}
}

func TestMembership(t *testing.T) {
	ch := New("lobby", newFakeProvider(), testOptions(4))

	if !ch.Add("b") || !ch.Add("a") {
		t.Fatal("expected new members to be added")
	}
	if ch.Add("a") {
		t.Error("expected duplicate add to report false")
	}
	if ch.Len() != 2 {
		t.Errorf("expected 2 members, got %d", ch.Len())
	}
	if got := ch.Members(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected sorted members [a b], got %v", got)
	}

	if !ch.Remove("a") {
		t.Error("expected remove of member to report true")
	}
	if ch.Remove("a") {
		t.Error("expected second remove to report false")
	}
	if ch.Has("a") || !ch.Has("b") {
		t.Error("unexpected membership after remove")
	}
}
