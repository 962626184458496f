package ytdlp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Entry is one downloadable item found behind a link.
type Entry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// InfoArgs builds the metadata-dump invocation. flat asks for a shallow
// playlist listing instead of full per-item extraction.
func InfoArgs(url, cookiesFile, cookiesBrowser string, extra []string, flat bool) []string {
	args := CookieArgs(cookiesFile, cookiesBrowser)
	args = append(args, extra...)
	if flat {
		args = append(args, "--flat-playlist")
	}
	return append(args, "-J", url, "--no-colors")
}

type infoEntry struct {
	ID         string `json:"id"`
	IEKey      string `json:"ie_key"`
	URL        string `json:"url"`
	WebpageURL string `json:"webpage_url"`
	Title      string `json:"title"`
}

type infoDoc struct {
	Type       string       `json:"_type"`
	Title      string       `json:"title"`
	WebpageURL string       `json:"webpage_url"`
	Entries    *[]infoEntry `json:"entries"`
}

// DecodeFlat reads a flat-playlist dump. ok is false when the document has no
// entries key at all, which means the link was not a playlist.
func DecodeFlat(data []byte, input string) (entries []Entry, ok bool, err error) {
	var doc infoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("decode playlist dump: %w", err)
	}
	if doc.Entries == nil {
		return nil, false, nil
	}
	return playlistEntries(*doc.Entries, input), true, nil
}

// DecodeSingle reads a full dump. A playlist-typed document with entries
// still yields one item per entry.
func DecodeSingle(data []byte, input string) ([]Entry, error) {
	var doc infoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode info dump: %w", err)
	}
	if doc.Type == "playlist" && doc.Entries != nil && len(*doc.Entries) > 0 {
		return playlistEntries(*doc.Entries, input), nil
	}
	u := doc.WebpageURL
	if u == "" {
		u = input
	}
	title := doc.Title
	if title == "" {
		title = input
	}
	return []Entry{{URL: u, Title: title}}, nil
}

func playlistEntries(in []infoEntry, input string) []Entry {
	out := make([]Entry, 0, len(in))
	for _, e := range in {
		u := e.WebpageURL
		if u == "" {
			u = e.URL
		}
		if u == "" && e.ID != "" && (strings.EqualFold(e.IEKey, "youtube") || strings.Contains(strings.ToLower(input), "youtube.com")) {
			u = "https://www.youtube.com/watch?v=" + e.ID
		}
		if u == "" {
			u = input
		}
		title := e.Title
		if title == "" {
			title = u
		}
		out = append(out, Entry{URL: u, Title: title})
	}
	return out
}
