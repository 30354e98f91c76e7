package nostrx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Imeta describes one encrypted media blob attached to a message.
// All six fields are required to decrypt.
type Imeta struct {
	URL      string
	FileHash string // sha256 of the plaintext, hex
	MimeType string
	Nonce    string // hex
	Key      string // hex
	Size     int64  // plaintext bytes
}

// Tag renders the imeta tag. Field order is fixed on output but
// irrelevant on parse.
func (im Imeta) Tag() nostr.Tag {
	return nostr.Tag{
		"imeta",
		"url " + im.URL,
		"x " + im.FileHash,
		"m " + im.MimeType,
		"nonce " + im.Nonce,
		"key " + im.Key,
		"size " + strconv.FormatInt(im.Size, 10),
	}
}

// ParseImeta reads an imeta tag, requiring all six fields.
func ParseImeta(tag nostr.Tag) (Imeta, error) {
	if len(tag) < 2 || tag[0] != "imeta" {
		return Imeta{}, fmt.Errorf("not an imeta tag")
	}
	var im Imeta
	for _, entry := range tag[1:] {
		field, value, ok := strings.Cut(entry, " ")
		if !ok {
			continue
		}
		switch field {
		case "url":
			im.URL = value
		case "x":
			im.FileHash = value
		case "m":
			im.MimeType = value
		case "nonce":
			im.Nonce = value
		case "key":
			im.Key = value
		case "size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Imeta{}, fmt.Errorf("bad imeta size %q", value)
			}
			im.Size = n
		}
	}
	if im.URL == "" || im.FileHash == "" || im.MimeType == "" ||
		im.Nonce == "" || im.Key == "" || im.Size == 0 {
		return Imeta{}, fmt.Errorf("imeta tag missing required fields")
	}
	return im, nil
}

// FirstTagValue returns the first value of the named tag, or "".
func FirstTagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value of the named tag.
func TagValues(ev *nostr.Event, name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}
