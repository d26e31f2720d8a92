// Package message defines the submissions the relay accepts and their
// validation rules. The delivery pipeline treats the payload as opaque;
// only the Matrix transport renders it.
package message

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind discriminates the payload union.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// ValidationError rejects a submission before it enters the delivery
// pipeline. Reason is safe to return to the submitting client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Recipient is a parsed Send-To target: either a user the relay should
// reach over a direct channel, or an existing room id.
type Recipient struct {
	User    string // "@user:server" form
	Channel string // "!id:server" form
}

func (r Recipient) IsUser() bool    { return r.User != "" }
func (r Recipient) IsChannel() bool { return r.Channel != "" }

func (r Recipient) String() string {
	if r.IsChannel() {
		return r.Channel
	}
	return r.User
}

// ParseRecipient accepts the two id forms a client may submit:
// "@user:server" for a user and "!roomid:server" for a room.
func ParseRecipient(raw string) (Recipient, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recipient{}, invalidf("recipient not provided, must be one of @user:server.com or !roomid:server.com in 'Send-To'")
	}
	rest := s[1:]
	switch {
	case strings.HasPrefix(s, "@") && strings.Contains(rest, ":"):
		return Recipient{User: s}, nil
	case strings.HasPrefix(s, "!") && strings.Contains(rest, ":"):
		return Recipient{Channel: s}, nil
	}
	return Recipient{}, invalidf("invalid recipient: %s. Must be one of @user:server.com or !roomid:server.com", s)
}

// Media is a binary payload plus the metadata needed to post it.
// ContentType is sniffed from the payload; client-supplied types are not
// trusted.
type Media struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is one accepted submission flowing through the pipeline.
type Message struct {
	ID        string
	Kind      Kind
	Recipient Recipient
	Text      string // set when Kind == KindText
	Media     *Media // set when Kind == KindMedia
	Received  time.Time
}

// NewText builds and validates a text submission.
func NewText(sendTo string, body []byte) (*Message, error) {
	rcpt, err := ParseRecipient(sendTo)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(body) {
		return nil, invalidf("text body is not valid utf-8")
	}
	text := string(body)
	if strings.TrimSpace(text) == "" {
		return nil, invalidf("text body is empty")
	}
	return &Message{
		ID:        uuid.NewString(),
		Kind:      KindText,
		Recipient: rcpt,
		Text:      text,
		Received:  time.Now(),
	}, nil
}

// NewMedia builds and validates a media submission.
func NewMedia(sendTo, fileName string, data []byte) (*Message, error) {
	rcpt, err := ParseRecipient(sendTo)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(fileName)
	if name == "" {
		return nil, invalidf("file name missing, add with 'File-Name: filename.txt'")
	}
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return nil, invalidf("file extension missing in %s", name)
	}
	if len(data) == 0 {
		return nil, invalidf("media body is empty")
	}
	ct := DetectContentType(name, data)
	if IsImageExt(ext) && !strings.HasPrefix(ct, "image/") {
		return nil, invalidf(
			"image file %s does not have an image content type, should be something like image/jpeg, found %s; this image is being dropped and NOT sent",
			name, ct)
	}
	return &Message{
		ID:        uuid.NewString(),
		Kind:      KindMedia,
		Recipient: rcpt,
		Media:     &Media{FileName: name, ContentType: ct, Data: data},
		Received:  time.Now(),
	}, nil
}

// imageExts are the extensions delivered as m.image. Anything else goes
// out as a generic file, with audio/video decided by sniffed type.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".png":  true,
	".svg":  true,
}

func IsImageExt(ext string) bool { return imageExts[strings.ToLower(ext)] }

// DetectContentType sniffs the payload. SVG is special-cased: the
// stdlib sniffer has no rule for it, but an .svg whose head reads as
// XML/text with an <svg root is image/svg+xml for delivery purposes.
func DetectContentType(fileName string, data []byte) string {
	ct := http.DetectContentType(data)
	if strings.ToLower(path.Ext(fileName)) == ".svg" && looksLikeSVG(ct, data) {
		return "image/svg+xml"
	}
	return ct
}

func looksLikeSVG(sniffed string, data []byte) bool {
	if !strings.HasPrefix(sniffed, "text/xml") && !strings.HasPrefix(sniffed, "text/plain") {
		return false
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte("<svg"))
}
