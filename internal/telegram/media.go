package telegram

import (
	"net/url"
	"path"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxCaptionLength is the Telegram caption cap; longer captions are cut.
const MaxCaptionLength = 1024

// mediaKind picks the send method from the URL's file extension.
func mediaKind(mediaURL string) string {
	p := mediaURL
	if u, err := url.Parse(mediaURL); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return "photo"
	case ".gif":
		return "animation"
	case ".mp4", ".mov", ".webm":
		return "video"
	case ".mp3", ".m4a", ".wav", ".flac":
		return "audio"
	case ".ogg", ".oga":
		return "voice"
	default:
		return "document"
	}
}

func (c chat) media(mediaURL, caption string, replyTo int) tgbotapi.Chattable {
	file := tgbotapi.FileURL(mediaURL)
	caption = truncateCaption(caption)

	switch mediaKind(mediaURL) {
	case "photo":
		cfg := tgbotapi.NewPhoto(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	case "animation":
		cfg := tgbotapi.NewAnimation(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	case "video":
		cfg := tgbotapi.NewVideo(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	case "audio":
		cfg := tgbotapi.NewAudio(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	case "voice":
		cfg := tgbotapi.NewVoice(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	default:
		cfg := tgbotapi.NewDocument(c.id, file)
		cfg.ChannelUsername = c.username
		cfg.Caption = caption
		cfg.ReplyToMessageID = replyTo
		return cfg
	}
}

func truncateCaption(s string) string {
	r := []rune(s)
	if len(r) <= MaxCaptionLength {
		return s
	}
	return string(r[:MaxCaptionLength-1]) + "…"
}

// inboundMedia describes media attached to an inbound message.
func inboundMedia(msg *tgbotapi.Message) (kind, fileID string) {
	switch {
	case len(msg.Photo) > 0:
		return "photo", msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return "video", msg.Video.FileID
	case msg.Audio != nil:
		return "audio", msg.Audio.FileID
	case msg.Voice != nil:
		return "voice", msg.Voice.FileID
	case msg.Document != nil:
		return "document", msg.Document.FileID
	}
	return "", ""
}
