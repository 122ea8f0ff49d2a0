package stream

import (
	"bufio"
	"errors"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Entry is a single playlist row. Title is empty unless the playlist
// format carries per-entry metadata.
type Entry struct {
	URL   string
	Title string
}

var errMalformed = errors.New("unrecognized playlist document")

// playlistExtensions are the source URL suffixes treated as playlist
// indirections rather than direct media streams.
var playlistExtensions = map[string]bool{
	".m3u":  true,
	".m3u8": true,
	".pls":  true,
}

var playlistContentTypes = map[string]bool{
	"audio/x-mpegurl":       true,
	"audio/mpegurl":         true,
	"application/mpegurl":   true,
	"application/x-mpegurl": true,
	"audio/x-scpls":         true,
	"application/pls+xml":   true,
}

// isPlaylistURL reports whether rawURL points at a playlist document,
// judged by its path extension.
func isPlaylistURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return playlistExtensions[strings.ToLower(path.Ext(u.Path))]
}

func isPlaylistContentType(contentType string) bool {
	return playlistContentTypes[mediaType(contentType)]
}

// isAudioContentType reports a response that is already a raw audio
// stream, as opposed to a playlist document describing one.
func isAudioContentType(contentType string) bool {
	return strings.HasPrefix(mediaType(contentType), "audio/") && !playlistContentTypes[mediaType(contentType)]
}

func mediaType(contentType string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
}

// parsePlaylist parses content as one of the three recognized container
// formats: PLS key-value playlists, extended M3U, and plain
// newline-delimited URL lists.
func parsePlaylist(content string) ([]Entry, error) {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(strings.ToLower(trimmed), "[playlist]"):
		return parsePLS(trimmed)
	case strings.HasPrefix(trimmed, "#EXTM3U"):
		return parseExtM3U(trimmed)
	default:
		return parseM3U(trimmed)
	}
}

// parseM3U handles the simple variant: one URL per line, blank lines and
// #-comments skipped.
func parseM3U(content string) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !validEntryLine(line) {
			return nil, errMalformed
		}
		entries = append(entries, Entry{URL: line})
	}
	return entries, nil
}

// parseExtM3U handles the extended variant, pairing #EXTINF metadata with
// the entry on the following line.
func parseExtM3U(content string) ([]Entry, error) {
	var entries []Entry
	var title string
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			// "#EXTINF:<duration>,<title>"
			if i := strings.IndexByte(line, ','); i >= 0 {
				title = strings.TrimSpace(line[i+1:])
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if !validEntryLine(line) {
				return nil, errMalformed
			}
			entries = append(entries, Entry{URL: line, Title: title})
			title = ""
		}
	}
	return entries, nil
}

// parsePLS handles the key-value playlist format:
//
//	[playlist]
//	File1=http://...
//	Title1=...
//	NumberOfEntries=1
func parsePLS(content string) ([]Entry, error) {
	files := make(map[int]string)
	titles := make(map[int]string)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errMalformed
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(key, "file"):
			n, err := strconv.Atoi(key[len("file"):])
			if err != nil {
				return nil, errMalformed
			}
			files[n] = value
		case strings.HasPrefix(key, "title"):
			if n, err := strconv.Atoi(key[len("title"):]); err == nil {
				titles[n] = value
			}
		}
	}

	nums := make([]int, 0, len(files))
	for n := range files {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	entries := make([]Entry, 0, len(files))
	for _, n := range nums {
		entries = append(entries, Entry{URL: files[n], Title: titles[n]})
	}
	return entries, nil
}

// validEntryLine accepts absolute URLs and relative references but rejects
// lines that cannot be playlist entries, like stray markup.
func validEntryLine(line string) bool {
	if strings.ContainsAny(line, " \t") {
		return false
	}
	_, err := url.Parse(line)
	return err == nil
}

// firstUsable picks the first entry with a supported URL scheme.
func firstUsable(entries []Entry) (Entry, bool) {
	for _, e := range entries {
		u, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return e, true
		}
	}
	return Entry{}, false
}
