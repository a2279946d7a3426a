package keys

import "regexp"

var (
	youtubeLinkRegex = regexp.MustCompile(`(?:youtube(?:-nocookie)?\.com|youtu\.be)/(?:[\w-]+\?v=|embed/|v/|shorts/)?([\w-]{11})`)
	videoIDRegex     = regexp.MustCompile(`^[\w-]{11}$`)
	genericURLRegex  = regexp.MustCompile(`^https?://\S+$`)
)

// ReferenceKind classifies user-supplied input.
type ReferenceKind int

const (
	ReferenceUnknown ReferenceKind = iota
	ReferenceVideo
	ReferenceURL
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceVideo:
		return "video"
	case ReferenceURL:
		return "url"
	default:
		return "unknown"
	}
}

// ClassifyReference inspects a YouTube link, a bare video ID or an arbitrary
// http(s) URL. For video references the returned string is the video ID, for
// URL references it is the input itself.
func ClassifyReference(input string) (ReferenceKind, string) {
	if m := youtubeLinkRegex.FindStringSubmatch(input); m != nil {
		return ReferenceVideo, m[1]
	}
	if videoIDRegex.MatchString(input) {
		return ReferenceVideo, input
	}
	if genericURLRegex.MatchString(input) {
		return ReferenceURL, input
	}
	return ReferenceUnknown, ""
}
