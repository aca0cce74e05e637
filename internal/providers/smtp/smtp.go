// Package smtp submits outgoing messages for protocols that cannot send.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Submitter sends raw RFC 5322 messages through one SMTP server.
type Submitter struct {
	Endpoint model.Endpoint
	Username string
	Password string
}

// Send submits raw. The envelope is taken from the From, To, Cc and Bcc
// headers; Bcc is stripped before the message goes on the wire.
func (s Submitter) Send(ctx context.Context, raw []byte) error {
	from, rcpts, err := Envelope(raw)
	if err != nil {
		return model.ProtocolError("smtp envelope", err)
	}
	if from == "" {
		from = s.Username
	}

	addr := net.JoinHostPort(s.Endpoint.Host, strconv.Itoa(s.Endpoint.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return model.NetworkError("smtp dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: s.Endpoint.Host}
	if s.Endpoint.TLS {
		conn = tls.Client(conn, tlsConfig)
	}
	client, err := smtp.NewClient(conn, s.Endpoint.Host)
	if err != nil {
		conn.Close()
		return classify("smtp greeting", err)
	}
	defer client.Close()

	if !s.Endpoint.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return classify("smtp starttls", err)
			}
		}
	}

	if s.Username != "" && s.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Endpoint.Host)); err != nil {
			return model.AuthError("smtp auth", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return classify("smtp MAIL FROM", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return classify("smtp RCPT TO", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return classify("smtp DATA", err)
	}
	if _, err := w.Write(StripBcc(raw)); err != nil {
		return classify("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return classify("smtp end of data", err)
	}
	return client.Quit()
}

// Envelope extracts the sender and every recipient address of raw.
func Envelope(raw []byte) (string, []string, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("parse message: %w", err)
	}
	defer r.Close()

	var from string
	if addrs, err := r.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	seen := make(map[string]bool)
	var rcpts []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := r.Header.AddressList(key)
		if err != nil {
			return "", nil, fmt.Errorf("parse %s: %w", key, err)
		}
		for _, a := range addrs {
			if !seen[a.Address] {
				seen[a.Address] = true
				rcpts = append(rcpts, a.Address)
			}
		}
	}
	if len(rcpts) == 0 {
		return "", nil, errors.New("message has no recipients")
	}
	return from, rcpts, nil
}

// StripBcc removes the Bcc header field from the header block of raw.
func StripBcc(raw []byte) []byte {
	end := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if end < 0 {
		end = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if end < 0 {
		return raw
	}
	header := raw[:end+sep/2]
	var out bytes.Buffer
	skipping := false
	for _, line := range bytes.SplitAfter(header, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if !skipping {
				out.Write(line)
			}
			continue
		}
		skipping = len(line) >= 4 && bytes.EqualFold(line[:4], []byte("bcc:"))
		if !skipping {
			out.Write(line)
		}
	}
	out.Write(raw[end+sep/2:])
	return out.Bytes()
}

func classify(op string, err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 535 || tp.Code == 530:
			return model.AuthError(op, err)
		case tp.Code >= 400 && tp.Code < 500:
			return model.NetworkError(op, err)
		default:
			return model.ProtocolError(op, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return model.NetworkError(op, err)
	}
	return model.ProtocolError(op, err)
}
