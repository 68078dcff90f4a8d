package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const DefaultMIME = "application/octet-stream"

// sniffChars is how much encoded text is decoded for content sniffing.
const sniffChars = 4096

type signature struct {
	prefix string
	mime   string
	// ambiguous prefixes are confirmed by sniffing the decoded head; mime is
	// the fallback when sniffing is inconclusive.
	ambiguous bool
}

// Signatures of common WhatsApp media as they appear in base64 text.
var signatures = []signature{
	{prefix: "/9j/", mime: "image/jpeg"},
	{prefix: "iVBORw0KGgo", mime: "image/png"},
	{prefix: "R0lGOD", mime: "image/gif"},
	{prefix: "UklGR", mime: "image/webp", ambiguous: true},
	{prefix: "JVBERi0", mime: "application/pdf"},
	{prefix: "T2dnUw", mime: "audio/ogg"},
	{prefix: "SUQz", mime: "audio/mpeg"},
	{prefix: "//uQ", mime: "audio/mpeg"},
	{prefix: "//sw", mime: "audio/mpeg"},
	{prefix: "//vA", mime: "audio/mpeg"},
	{prefix: "AAAAGGZ0eXA", mime: "video/mp4", ambiguous: true},
	{prefix: "AAAAHGZ0eXA", mime: "video/mp4", ambiguous: true},
	{prefix: "AAAAIGZ0eXA", mime: "video/mp4", ambiguous: true},
	{prefix: "GkXfo", mime: "video/webm", ambiguous: true},
	{prefix: "UEsDB", mime: "application/zip", ambiguous: true},
}

// DetectMIME guesses the media type of an encoded payload: the data URI
// header wins, then known prefixes, then sniffing the decoded bytes.
func DetectMIME(s string) string {
	s = strings.TrimSpace(s)
	if declared, payload, ok := splitDataURI(s); ok {
		if declared != "" {
			return declared
		}
		s = payload
	}
	s = stripWhitespace(s)

	for _, sig := range signatures {
		if !strings.HasPrefix(s, sig.prefix) {
			continue
		}
		if !sig.ambiguous {
			return sig.mime
		}
		if sniffed := sniff(s); sniffed != DefaultMIME && sniffed != "text/plain" {
			return sniffed
		}
		return sig.mime
	}
	return sniff(s)
}

func sniff(s string) string {
	head := s
	if len(head) > sniffChars {
		head = head[:sniffChars]
	}
	data, err := Decode(head)
	if err != nil || len(data) == 0 {
		return DefaultMIME
	}
	detected := mimetype.Detect(data).String()
	if base, _, found := strings.Cut(detected, ";"); found {
		detected = base
	}
	return strings.TrimSpace(detected)
}

type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

func KindOf(mime string) Kind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "audio/"), mime == "application/ogg":
		return KindAudio
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// Extension returns the file extension, including the dot, for a media type.
func Extension(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "application/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/pdf":
		return ".pdf"
	}
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
