package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/arxiv/notifyd/internal/aggregator"
	"github.com/arxiv/notifyd/internal/config"
	"github.com/arxiv/notifyd/internal/notify"
)

const smtpDialTimeout = 30 * time.Second

// EmailProvider sends a rendered digest over SMTP. Connections are
// ephemeral: every Send dials, authenticates, and quits.
type EmailProvider struct {
	cfg config.SMTPConfig
}

// NewEmailProvider returns nil if cfg is not configured for sending,
// so callers can register a nil *EmailProvider and have ForMethod
// report it as unavailable.
func NewEmailProvider(cfg config.SMTPConfig) *EmailProvider {
	if !cfg.Configured() {
		return nil
	}
	return &EmailProvider{cfg: cfg}
}

// Send composes an RFC 5322 message from rendered and delivers it to
// sub.EmailAddress. When rendered.ContentType already names a
// multipart structure (the MIME aggregation method), the body is
// embedded unchanged beneath a manually written envelope so the
// boundary the aggregator generated is preserved; PLAIN and HTML
// bodies are written as a single inline part via go-message/mail.
func (p *EmailProvider) Send(ctx context.Context, sub notify.Subscription, rendered aggregator.Rendered, sender string) Result {
	from := p.fromAddress(sender)

	msg, err := composeMessage(from, sub.EmailAddress, rendered)
	if err != nil {
		return Result{Outcome: PermanentFailure, Err: fmt.Errorf("compose message: %w", err)}
	}

	if err := sendMail(ctx, p.cfg, from, []string{sub.EmailAddress}, msg); err != nil {
		return Result{Outcome: classifySMTPError(err), Err: err}
	}
	return Result{Outcome: Delivered}
}

// fromAddress prefers the originating event's sender as the From
// address, since it is by convention an email address; it falls back
// to the server's configured default when sender is empty or is not
// itself a parseable address (e.g. "cron", "monitor").
func (p *EmailProvider) fromAddress(sender string) string {
	if sender == "" {
		return p.cfg.DefaultSender
	}
	if _, err := mail.ParseAddress(sender); err != nil {
		return p.cfg.DefaultSender
	}
	return sender
}

func composeMessage(from, to string, rendered aggregator.Rendered) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(rendered.Subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", to, err)
	}
	h.SetAddressList("To", []*mail.Address{toAddr})

	if isMultipart(rendered.ContentType) {
		// The aggregator already built a complete multipart body with
		// its own boundary. go-message's mail writer always wraps a
		// body in its own multipart/alternative section, which would
		// nest the aggregator's boundary inside a second one, so the
		// envelope is written by hand here and the body passed through
		// untouched.
		return writeEnvelopeAndRawBody(&buf, h, rendered), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	var ph mail.InlineHeader
	ph.Set("Content-Type", rendered.ContentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := pw.Write([]byte(rendered.Body)); err != nil {
		pw.Close()
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 10 && contentType[:10] == "multipart/"
}

// writeEnvelopeAndRawBody formats the RFC 5322 header fields h carries
// (From, To, Subject, Date, Message-Id) by hand, followed by
// rendered's content type and the raw body, and returns the complete
// message. Used only for the MIME aggregation method, where the body
// must be copied through exactly as the aggregator produced it.
func writeEnvelopeAndRawBody(buf *bytes.Buffer, h mail.Header, rendered aggregator.Rendered) []byte {
	fields := []struct{ name, value string }{
		{"From", h.Get("From")},
		{"To", h.Get("To")},
		{"Subject", h.Get("Subject")},
		{"Date", h.Get("Date")},
		{"Message-Id", h.Get("Message-Id")},
	}
	for _, f := range fields {
		if f.value != "" {
			fmt.Fprintf(buf, "%s: %s\r\n", f.name, f.value)
		}
	}
	fmt.Fprintf(buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(buf, "Content-Type: %s\r\n", rendered.ContentType)
	buf.WriteString("\r\n")
	buf.WriteString(rendered.Body)
	return buf.Bytes()
}

// mimeType and mimeParams split a "type; param=value; ..." content
// type string produced by the aggregator back into its parts. The
// message composer does not call them; it writes the aggregator's
// content type verbatim.
func mimeType(contentType string) string {
	for i, c := range contentType {
		if c == ';' {
			return contentType[:i]
		}
	}
	return contentType
}

func mimeParams(contentType string) map[string]string {
	params := map[string]string{}
	parts := splitHeaderParams(contentType)
	for _, p := range parts {
		k, v, ok := splitParam(p)
		if ok {
			params[k] = v
		}
	}
	return params
}

func splitHeaderParams(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out[1:]
}

func splitParam(s string) (key, value string, ok bool) {
	for i, c := range s {
		if c == '=' {
			key = trimSpace(s[:i])
			value = trimSpace(s[i+1:])
			value = trimQuotes(value)
			return key, value, true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// smtpTransport decides how a connection is secured: implicit TLS on
// 465, a STARTTLS upgrade on 587 or any other port when use_ssl is
// set, plaintext when it is not.
func smtpTransport(cfg config.SMTPConfig) (implicitTLS, startTLS bool) {
	if !cfg.UseSSL {
		return false, false
	}
	if cfg.Port == 465 {
		return true, false
	}
	return false, true
}

// sendMail connects to cfg's host, authenticates, and delivers msg.
func sendMail(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	implicitTLS, startTLS := smtpTransport(cfg)

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	var err error

	if implicitTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if startTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", authFailure{err})
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// authFailure wraps an error from the AUTH stage so classifySMTPError
// can recognize it before a 5xx reply code (e.g. 535 Authentication
// failed) would otherwise route it to PermanentFailure.
type authFailure struct{ err error }

func (a authFailure) Error() string { return a.err.Error() }
func (a authFailure) Unwrap() error { return a.err }

// classifySMTPError maps an SMTP protocol error to a delivery outcome:
// connection/DNS/auth failures are always transient, 4xx replies are
// transient (server asked us to retry later), 5xx replies and
// address/parse errors are permanent, and anything else (dial failure,
// timeout) is treated as transient since it reflects network
// conditions rather than the message itself.
func classifySMTPError(err error) Outcome {
	var auth authFailure
	if errors.As(err, &auth) {
		return TransientFailure
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 400 && protoErr.Code < 500 {
			return TransientFailure
		}
		if protoErr.Code >= 500 {
			return PermanentFailure
		}
	}
	return TransientFailure
}
