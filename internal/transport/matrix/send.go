package matrix

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"mxrelay/internal/coordinator"
	"mxrelay/internal/message"
	logx "mxrelay/pkg/logx"
)

// fallbackImageDim stands in when dimensions can't be decoded (SVG has
// no fixed pixel size).
const fallbackImageDim = 100

// Send delivers one message into a channel. Encryption happens inside
// the client when the room's state says it is encrypted; media bytes
// for such rooms are additionally encrypted before upload.
func (a *Adapter) Send(ctx context.Context, channel coordinator.ChannelID, msg *message.Message) error {
	roomID := id.RoomID(string(channel))
	a.sendMu.RLock()
	limiter := a.limiter
	a.sendMu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var content event.MessageEventContent
	switch msg.Kind {
	case message.KindText:
		content = a.textContent(msg.Text)
	case message.KindMedia:
		c, err := a.mediaContent(ctx, roomID, msg.Media)
		if err != nil {
			return err
		}
		content = c
	default:
		return fmt.Errorf("unsupported message kind %q", msg.Kind)
	}

	resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}
	a.log.Debug("message sent",
		logx.String("msg_id", msg.ID),
		logx.String("channel", roomID.String()),
		logx.String("event_id", resp.EventID.String()))
	return nil
}

// textContent builds the event body. A literal "<html>" prefix marks
// pre-rendered HTML: newlines are stripped and the payload goes out
// as-is in both the plain and formatted bodies. Otherwise markdown
// rendering applies when enabled.
func (a *Adapter) textContent(text string) event.MessageEventContent {
	a.sendMu.RLock()
	notice, markdown := a.notice, a.markdown
	a.sendMu.RUnlock()

	msgType := event.MsgText
	if notice {
		msgType = event.MsgNotice
	}

	if strings.HasPrefix(text, "<html>") {
		flat := strings.ReplaceAll(text, "\n", "")
		return event.MessageEventContent{
			MsgType:       msgType,
			Body:          flat,
			Format:        event.FormatHTML,
			FormattedBody: flat,
		}
	}
	if markdown {
		content := format.RenderMarkdown(text, true, false)
		content.MsgType = msgType
		return content
	}
	return event.MessageEventContent{MsgType: msgType, Body: text}
}

func (a *Adapter) mediaContent(ctx context.Context, roomID id.RoomID, m *message.Media) (event.MessageEventContent, error) {
	content := event.MessageEventContent{
		MsgType: msgTypeFor(m.FileName, m.ContentType),
		Body:    m.FileName,
		Info: &event.FileInfo{
			MimeType: m.ContentType,
			Size:     len(m.Data),
		},
	}
	if content.MsgType == event.MsgImage {
		w, h := imageDims(m.ContentType, m.Data)
		content.Info.Width = w
		content.Info.Height = h
	}

	if a.roomEncrypted(roomID) {
		file := attachment.NewEncryptedFile()
		data := make([]byte, len(m.Data))
		copy(data, m.Data)
		file.EncryptInPlace(data)
		up, err := a.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
			ContentBytes: data,
			ContentType:  "application/octet-stream",
		})
		if err != nil {
			return content, fmt.Errorf("upload %s: %w", m.FileName, err)
		}
		content.File = &event.EncryptedFileInfo{
			EncryptedFile: *file,
			URL:           up.ContentURI.CUString(),
		}
		return content, nil
	}

	up, err := a.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: m.Data,
		ContentType:  m.ContentType,
		FileName:     m.FileName,
	})
	if err != nil {
		return content, fmt.Errorf("upload %s: %w", m.FileName, err)
	}
	content.URL = up.ContentURI.CUString()
	return content, nil
}

func (a *Adapter) roomEncrypted(roomID id.RoomID) bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.encrypted[roomID]
}

// msgTypeFor picks the Matrix message type. The image extension list
// decides m.image, the sniffed type decides audio and video, and
// everything else ships as a plain file.
func msgTypeFor(fileName, contentType string) event.MessageType {
	if message.IsImageExt(path.Ext(fileName)) {
		return event.MsgImage
	}
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return event.MsgAudio
	case strings.HasPrefix(contentType, "video/"):
		return event.MsgVideo
	}
	return event.MsgFile
}

func imageDims(contentType string, data []byte) (int, int) {
	if strings.HasPrefix(contentType, "image/svg") {
		return fallbackImageDim, fallbackImageDim
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fallbackImageDim, fallbackImageDim
	}
	return cfg.Width, cfg.Height
}
