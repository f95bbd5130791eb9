// Package aggregator renders a batch of undelivered events into the
// message body a delivery provider sends, in one of three formats
// selected by a subscription's aggregation_method: PLAIN, HTML, or
// MIME.
package aggregator

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-message"

	"github.com/arxiv/notifyd/internal/notify"
)

// Rendered is the output of Render: a subject line, a body, and the
// MIME content type the body is encoded in. Delivery providers treat
// ContentType as opaque and pass it through to the transport unchanged.
type Rendered struct {
	Subject     string
	Body        string
	ContentType string
}

// Render groups events by event_type and renders them per method.
// subject is used as given; when it is empty a count-based default is
// used. PLAIN and HTML output depend only on the inputs; MIME output
// differs between calls in its generated boundary. events is never
// mutated or reordered in place.
func Render(userID string, events []notify.Event, method notify.AggregationMethod, subject string) (Rendered, error) {
	sorted := sortedCopy(events)
	if subject == "" {
		subject = defaultSubject(sorted)
	}

	switch method {
	case notify.MethodPlain:
		return Rendered{Subject: subject, Body: renderPlain(userID, sorted), ContentType: "text/plain; charset=utf-8"}, nil
	case notify.MethodHTML:
		body, err := renderHTML(sorted)
		if err != nil {
			return Rendered{}, fmt.Errorf("render html: %w", err)
		}
		return Rendered{Subject: subject, Body: body, ContentType: "text/html; charset=utf-8"}, nil
	case notify.MethodMIME:
		body, ct, err := renderMIME(userID, sorted)
		if err != nil {
			return Rendered{}, fmt.Errorf("render mime: %w", err)
		}
		return Rendered{Subject: subject, Body: body, ContentType: ct}, nil
	default:
		return Rendered{}, fmt.Errorf("aggregation_method %q is not one of PLAIN, HTML, MIME", method)
	}
}

func defaultSubject(events []notify.Event) string {
	if len(events) == 0 {
		return "No new events"
	}
	return fmt.Sprintf("%d new event(s)", len(events))
}

// sortedCopy returns events ordered by timestamp then event_id, the
// same tie-break the store applies to get_undelivered_events, so
// rendering never depends on the order events were fetched in.
func sortedCopy(events []notify.Event) []notify.Event {
	out := make([]notify.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// groupByType partitions events into per-type buckets, preserving the
// overall timestamp/event_id order within each bucket, and returns the
// bucket keys in a deterministic order (first-seen).
func groupByType(events []notify.Event) ([]notify.EventType, map[notify.EventType][]notify.Event) {
	order := make([]notify.EventType, 0, 4)
	buckets := make(map[notify.EventType][]notify.Event)
	for _, e := range events {
		if _, ok := buckets[e.EventType]; !ok {
			order = append(order, e.EventType)
		}
		buckets[e.EventType] = append(buckets[e.EventType], e)
	}
	return order, buckets
}

func renderPlain(userID string, events []notify.Event) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Event Summary for User %s\n\n", userID)
	if len(events) == 0 {
		buf.WriteString("No new events.\n")
		return buf.String()
	}

	first, last := events[0].Timestamp, events[len(events)-1].Timestamp
	fmt.Fprintf(&buf, "%d event(s) between %s and %s\n\n",
		len(events), first.Format(time.RFC3339), last.Format(time.RFC3339))

	order, buckets := groupByType(events)
	for _, t := range order {
		fmt.Fprintf(&buf, "== %s (%d) ==\n", t, len(buckets[t]))
		for _, e := range buckets[t] {
			text := e.Subject
			if text == "" {
				text = e.Message
				if r := []rune(text); len(r) > 80 {
					text = string(r[:80]) + "..."
				}
			}
			fmt.Fprintf(&buf, "%s - %s\n", e.Timestamp.UTC().Format("15:04"), text)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

const htmlTemplateSrc = `<html><head><style>table{border-collapse:collapse}th,td{border:1px solid #999;padding:4px}</style></head><body>
<p>{{len .Events}} event(s) between {{.First}} and {{.Last}}</p>
<table>
<tr><th>Timestamp</th><th>Event ID</th><th>Type</th><th>Subject</th></tr>
{{range .Events}}<tr><td>{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}</td><td>{{.EventID}}</td><td>{{.EventType}}</td><td>{{.Subject}}</td></tr>
{{end}}</table>
</body></html>
`

var htmlTemplate = template.Must(template.New("digest").Parse(htmlTemplateSrc))

func renderHTML(events []notify.Event) (string, error) {
	data := struct {
		Events []notify.Event
		First  string
		Last   string
	}{Events: events}
	if len(events) > 0 {
		data.First = events[0].Timestamp.Format(time.RFC3339)
		data.Last = events[len(events)-1].Timestamp.Format(time.RFC3339)
	}

	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderMIME builds a standalone multipart/mixed document: part 1 is a
// text/plain summary (the same body renderPlain produces), followed by
// one inline text/plain part per event type containing that type's
// raw event lines. The returned content type carries the boundary
// go-message generated, and the caller must pass both through to the
// transport unchanged — re-wrapping the body in another multipart
// would duplicate the boundary.
func renderMIME(userID string, events []notify.Event) (body string, contentType string, err error) {
	var buf bytes.Buffer

	var h message.Header
	h.SetContentType("multipart/mixed", nil)
	mw, err := message.CreateWriter(&buf, h)
	if err != nil {
		return "", "", err
	}

	if err := writeMIMEPart(mw, "text/plain; charset=utf-8", "", renderPlain(userID, events)); err != nil {
		return "", "", err
	}

	order, buckets := groupByType(events)
	for _, t := range order {
		var part bytes.Buffer
		for _, e := range buckets[t] {
			fmt.Fprintf(&part, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Sender, e.Message)
		}
		filename := fmt.Sprintf("%s_events.txt", t)
		if err := writeMIMEPart(mw, "text/plain; charset=utf-8", filename, part.String()); err != nil {
			return "", "", err
		}
	}

	if err := mw.Close(); err != nil {
		return "", "", err
	}

	ct, params, err := h.ContentType()
	if err != nil {
		return "", "", err
	}
	return buf.String(), formatContentType(ct, params), nil
}

// formatContentType renders a Content-Type header value (including the
// boundary parameter go-message assigned) the way it will appear on
// the wire, so the caller can reuse it verbatim.
func formatContentType(ct string, params map[string]string) string {
	var h message.Header
	h.SetContentType(ct, params)
	return h.Get("Content-Type")
}

func writeMIMEPart(mw *message.Writer, contentType, filename, body string) error {
	var ph message.Header
	ph.Set("Content-Type", contentType)
	if filename != "" {
		ph.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	}
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
