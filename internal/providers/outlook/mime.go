package outlook

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// messageFromMIME converts a raw RFC 5322 message into a Graph message.
// The first HTML part wins over plain text; attachment parts become file
// attachments.
func messageFromMIME(raw []byte) (models.Messageable, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	msg := models.NewMessage()
	h := mr.Header
	if subject, err := h.Subject(); err == nil && subject != "" {
		msg.SetSubject(&subject)
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		wrapped := "<" + id + ">"
		msg.SetInternetMessageId(&wrapped)
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.SetFrom(recipient(from[0]))
	}
	for _, field := range []struct {
		name string
		set  func([]models.Recipientable)
	}{
		{"To", msg.SetToRecipients},
		{"Cc", msg.SetCcRecipients},
		{"Bcc", msg.SetBccRecipients},
	} {
		list, err := h.AddressList(field.name)
		if err != nil || len(list) == 0 {
			continue
		}
		rcpts := make([]models.Recipientable, 0, len(list))
		for _, a := range list {
			rcpts = append(rcpts, recipient(a))
		}
		field.set(rcpts)
	}

	var html, text string
	var attachments []models.Attachmentable
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("read part body: %w", err)
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			switch {
			case ct == "text/html" && html == "":
				html = string(data)
			case (ct == "text/plain" || ct == "") && text == "":
				text = string(data)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			att := models.NewFileAttachment()
			att.SetName(&name)
			att.SetContentType(&ct)
			att.SetContentBytes(data)
			attachments = append(attachments, att)
		}
	}

	body := models.NewItemBody()
	kind := models.TEXT_BODYTYPE
	content := text
	if html != "" {
		kind = models.HTML_BODYTYPE
		content = html
	}
	content = strings.TrimRight(content, "\r\n")
	body.SetContentType(&kind)
	body.SetContent(&content)
	msg.SetBody(body)
	if len(attachments) > 0 {
		msg.SetAttachments(attachments)
	}
	return msg, nil
}

func recipient(a *mail.Address) models.Recipientable {
	ea := models.NewEmailAddress()
	addr, name := a.Address, a.Name
	ea.SetAddress(&addr)
	if name != "" {
		ea.SetName(&name)
	}
	r := models.NewRecipient()
	r.SetEmailAddress(ea)
	return r
}
