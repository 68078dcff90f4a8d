// Package ingest turns messaging-provider webhooks into channel message rows.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/media"
	"switchboard/internal/store"
)

var (
	ErrIgnored        = errors.New("event ignored")
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

type Payload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     Data   `json:"data"`
}

type Data struct {
	Key              Key             `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *MessageContent `json:"message"`
	MessageType      string          `json:"messageType"`
	Base64           string          `json:"base64"`
	MessageTimestamp Timestamp       `json:"messageTimestamp"`
}

type Key struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type MessageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *MediaMessage `json:"imageMessage"`
	AudioMessage    *MediaMessage `json:"audioMessage"`
	VideoMessage    *MediaMessage `json:"videoMessage"`
	DocumentMessage *MediaMessage `json:"documentMessage"`
	StickerMessage  *MediaMessage `json:"stickerMessage"`
	Base64          string        `json:"base64"`
}

type MediaMessage struct {
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

// Timestamp accepts unix seconds or milliseconds, as a number or a string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		parsed, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return fmt.Errorf("timestamp %q: %w", raw, err)
		}
		t.Time = parsed
		return nil
	}
	if n > 1e12 {
		t.Time = time.UnixMilli(n).UTC()
	} else {
		t.Time = time.Unix(n, 0).UTC()
	}
	return nil
}

func normalizeEvent(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

// SessionFromJID drops the device suffix so every device of a contact lands
// in the same conversation.
func SessionFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	user, server, found := strings.Cut(jid, "@")
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	if !found {
		return user
	}
	return user + "@" + server
}

// ToMessage maps a messages.upsert payload to a row. Group chats, status
// broadcasts and other events return ErrIgnored.
func ToMessage(p Payload, now time.Time) (store.Message, error) {
	if event := normalizeEvent(p.Event); event != "messages.upsert" {
		return store.Message{}, fmt.Errorf("%w: %s", ErrIgnored, p.Event)
	}
	jid := strings.TrimSpace(p.Data.Key.RemoteJid)
	switch {
	case jid == "":
		return store.Message{}, fmt.Errorf("%w: missing remoteJid", ErrInvalidPayload)
	case strings.HasSuffix(jid, "@g.us"), strings.HasSuffix(jid, "@broadcast"), strings.HasSuffix(jid, "@newsletter"):
		return store.Message{}, fmt.Errorf("%w: %s", ErrIgnored, jid)
	}

	msg := store.Message{
		SessionID:  SessionFromJID(jid),
		ExternalID: strings.TrimSpace(p.Data.Key.ID),
		CreatedAt:  p.Data.MessageTimestamp.Time,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	if p.Data.Key.FromMe {
		msg.Direction = store.DirectionOutbound
		msg.Sender = store.SenderAgent
	} else {
		msg.Direction = store.DirectionInbound
		msg.Sender = store.SenderCustomer
		msg.ContactName = strings.TrimSpace(p.Data.PushName)
	}

	content := p.Data.Message
	if content == nil {
		content = &MessageContent{}
	}
	switch {
	case content.Conversation != "":
		msg.Body = content.Conversation
	case content.ExtendedTextMessage != nil:
		msg.Body = content.ExtendedTextMessage.Text
	}

	for _, m := range []struct {
		kind media.Kind
		msg  *MediaMessage
	}{
		{media.KindImage, content.ImageMessage},
		{media.KindImage, content.StickerMessage},
		{media.KindAudio, content.AudioMessage},
		{media.KindVideo, content.VideoMessage},
		{media.KindDocument, content.DocumentMessage},
	} {
		if m.msg == nil {
			continue
		}
		msg.MediaKind = string(m.kind)
		msg.MediaMIME = strings.TrimSpace(m.msg.Mimetype)
		if msg.Body == "" {
			msg.Body = m.msg.Caption
		}
		if msg.Body == "" && m.kind == media.KindDocument {
			msg.Body = m.msg.FileName
		}
		break
	}

	inline := p.Data.Base64
	if inline == "" {
		inline = content.Base64
	}
	if inline != "" && media.IsBase64(inline) {
		msg.MediaBase64 = inline
		msg.HasInlineMedia = true
		if msg.MediaMIME == "" {
			msg.MediaMIME = media.DetectMIME(inline)
		}
		if msg.MediaKind == "" {
			msg.MediaKind = string(media.KindOf(msg.MediaMIME))
		}
	}
	if msg.MediaMIME != "" {
		if base, _, found := strings.Cut(msg.MediaMIME, ";"); found {
			msg.MediaMIME = strings.TrimSpace(base)
		}
	}

	if msg.Body == "" && msg.MediaKind == "" {
		return store.Message{}, fmt.Errorf("%w: empty message", ErrIgnored)
	}
	return msg, nil
}

// Decode parses a webhook body.
func Decode(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
