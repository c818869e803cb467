package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseYtdlpLines(t *testing.T) {
	stdout := "dQw4w9WgXcQ\tNever Gonna Give You Up\tRick Astley\t213\thttps://www.youtube.com/watch?v=dQw4w9WgXcQ\n" +
		"abc\t\tSomeone\t100\thttps://example.com\n" + // no title, dropped
		"\n" +
		"xyz123\tShort\tNA\tNA\thttps://example.com/x\n"

	items := parseYtdlpLines(stdout)
	if len(items) != 2 {
		t.Fatalf("parsed %d items, want 2", len(items))
	}
	if items[0].ID != "dQw4w9WgXcQ" || items[0].Duration != 213*time.Second {
		t.Fatalf("first item = %+v", items[0])
	}
	if items[1].Channel != "" || items[1].Duration != 0 {
		t.Fatalf("NA fields not cleaned: %+v", items[1])
	}
}

func TestYtdlpIsValidURL(t *testing.T) {
	s := NewYtdlpSource("")
	valid := []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://music.youtube.com/watch?v=abc",
	}
	for _, u := range valid {
		if !s.IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = false", u)
		}
	}
	invalid := []string{
		"https://vimeo.com/12345",
		"not a url",
		"ftp://youtube.com/watch?v=x",
	}
	for _, u := range invalid {
		if s.IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = true", u)
		}
	}
}

func TestExtractVideoID(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=tooshort", ""},
		{"https://example.com/watch?v=dQw4w9WgXcQ", ""},
	}
	for _, c := range cases {
		if got := extractVideoID(c.url); got != c.want {
			t.Errorf("extractVideoID(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestParseISO8601Duration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT3M20S", 3*time.Minute + 20*time.Second},
		{"PT1H2M45S", time.Hour + 2*time.Minute + 45*time.Second},
		{"PT45S", 45 * time.Second},
		{"PT2H", 2 * time.Hour},
		{"garbage", 0},
	}
	for _, c := range cases {
		if got := parseISO8601Duration(c.in); got != c.want {
			t.Errorf("parseISO8601Duration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseColonDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"3:20", 3*time.Minute + 20*time.Second},
		{"1:02:45", time.Hour + 2*time.Minute + 45*time.Second},
		{"45", 45 * time.Second},
		{"bogus", 0},
	}
	for _, c := range cases {
		if got := parseColonDuration(c.in); got != c.want {
			t.Errorf("parseColonDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMirrorSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" {
			http.NotFound(w, r)
			return
		}
		if q := r.URL.Query().Get("q"); q != "test query" {
			t.Errorf("query param = %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"videoId":"dQw4w9WgXcQ","title":"A Track","author":"Someone","lengthSeconds":213,"type":"video"},
			{"videoId":"chnl","title":"A Channel","author":"","lengthSeconds":0,"type":"channel"}
		]`))
	}))
	defer srv.Close()

	s := NewMirrorSource([]string{srv.URL})
	items, err := s.Search(context.Background(), "test query", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (channel filtered)", len(items))
	}
	if items[0].ID != "dQw4w9WgXcQ" || items[0].Duration != 213*time.Second {
		t.Fatalf("item = %+v", items[0])
	}
}

func TestMirrorSearchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	s := NewMirrorSource([]string{srv.URL})
	// Keep the scrape fallback off the network.
	s.scraper = nil

	_, err := s.Search(context.Background(), "q", 5)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError for bad JSON, got %v", err)
	}
}

func TestMirrorResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/videos/dQw4w9WgXcQ" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"videoId":"dQw4w9WgXcQ","title":"A Track","author":"Someone","lengthSeconds":213}`))
	}))
	defer srv.Close()

	s := NewMirrorSource([]string{srv.URL})
	item, err := s.Resolve(context.Background(), srv.URL+"/watch?v=dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if item.Title != "A Track" {
		t.Fatalf("item = %+v", item)
	}
}

func TestFeedSearchAndResolve(t *testing.T) {
	const channelID = "UCabcdefghijklmnopqrstuv"
	feedXML := `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
  <title>Uploads</title>
  <entry>
    <yt:videoId>dQw4w9WgXcQ</yt:videoId>
    <title>Newest Upload</title>
    <author><name>Some Channel</name></author>
  </entry>
  <entry>
    <yt:videoId>abc123def45</yt:videoId>
    <title>Older Upload</title>
    <author><name>Some Channel</name></author>
  </entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel_id") != channelID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	s := NewFeedSource()
	s.baseURL = srv.URL

	items, err := s.Search(context.Background(), channelID, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(items) != 2 || items[0].Title != "Newest Upload" {
		t.Fatalf("items = %+v", items)
	}

	item, err := s.Resolve(context.Background(), "https://www.youtube.com/channel/"+channelID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if item.ID != "dQw4w9WgXcQ" {
		t.Fatalf("Resolve returned %+v", item)
	}
}

func TestFeedFreeTextReturnsNothing(t *testing.T) {
	s := NewFeedSource()
	items, err := s.Search(context.Background(), "regular search words", 5)
	if err != nil || items != nil {
		t.Fatalf("free-text search = %v, %v", items, err)
	}
}

func TestExtractChannelID(t *testing.T) {
	const id = "UCabcdefghijklmnopqrstuv"
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/channel/" + id, id},
		{"https://www.youtube.com/channel/" + id + "/videos", id},
		{"https://www.youtube.com/feeds/videos.xml?channel_id=" + id, id},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", ""},
		{"https://example.com/channel/" + id, ""},
	}
	for _, c := range cases {
		if got := extractChannelID(c.url); got != c.want {
			t.Errorf("extractChannelID(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestDirectResolveByExtension(t *testing.T) {
	s := NewDirectSource()
	item, err := s.Resolve(context.Background(), "https://files.example.com/music/song%20one.mp3")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if item.Title != "song one.mp3" {
		t.Fatalf("title = %q", item.Title)
	}
	if item.StreamURL != item.URL {
		t.Fatal("direct URLs should stream as-is")
	}
}

func TestDirectProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe used %s", r.Method)
		}
		switch r.URL.Path {
		case "/stream":
			w.Header().Set("Content-Type", "audio/mpeg")
		default:
			w.Header().Set("Content-Type", "text/html")
		}
	}))
	defer srv.Close()

	s := NewDirectSource()
	if _, err := s.Resolve(context.Background(), srv.URL+"/stream"); err != nil {
		t.Fatalf("audio probe rejected: %v", err)
	}

	_, err := s.Resolve(context.Background(), srv.URL+"/page")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError for HTML, got %v", err)
	}
}

func TestDirectIsValidURL(t *testing.T) {
	s := NewDirectSource()
	if !s.IsValidURL("https://example.com/a.flac") {
		t.Fatal("flac URL rejected")
	}
	if s.IsValidURL("https://example.com/page.html") {
		t.Fatal("html URL accepted")
	}
}

func TestRegistryEnabledOrdering(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSource{name: "b"}, BackendConfig{Enabled: true, Priority: 2})
	r.Register(&fakeSource{name: "a"}, BackendConfig{Enabled: true, Priority: 2})
	r.Register(&fakeSource{name: "c"}, BackendConfig{Enabled: true, Priority: 1})
	r.Register(&fakeSource{name: "d"}, BackendConfig{Enabled: false, Priority: 0})

	slots := r.enabled()
	got := make([]string, len(slots))
	for i, s := range slots {
		got[i] = s.source.Name()
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("enabled = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enabled order = %v, want %v", got, want)
		}
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSource{name: "x"}, BackendConfig{Enabled: true, Priority: 1})
	r.SetEnabled("x", false)
	if len(r.enabled()) != 0 {
		t.Fatal("SetEnabled(false) did not disable the backend")
	}
	cfg, _ := r.Config("x")
	if cfg.Priority != 1 {
		t.Fatal("SetEnabled clobbered other config fields")
	}
}
