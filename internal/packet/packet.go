// Package packet holds the data packet model threaded through a flow: each
// step prepends one Entry to a newest-first Array and never touches the
// entries already there.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidInput is returned when an entry cannot be built from handler output.
var ErrInvalidInput = errors.New("invalid input")

// Content keys.
const (
	KeyTitle        = "title"
	KeyBody         = "body"
	KeyTags         = "tags"
	KeyUpdateResult = "update_result"
	KeyUpdatedAt    = "updated_at"
	KeyOutputResult = "output_result"
)

// Metadata keys.
const (
	MetaStepType   = "step_type"
	MetaHandler    = "handler"
	MetaFlowStepID = "flow_step_id"
	MetaSuccess    = "success"
	MetaCreatedAt  = "created_at"
	MetaOriginalID = "original_id"
	MetaSourceURL  = "source_url"
	MetaError      = "error"
)

// carryOver lists metadata keys copied from the previous latest entry into
// every derived entry.
var carryOver = []string{MetaOriginalID, MetaSourceURL}

var now = time.Now

type Attachment struct {
	URL      string `json:"url" mapstructure:"url"`
	MimeType string `json:"mime_type,omitempty" mapstructure:"mime_type"`
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Size     int64  `json:"size,omitempty" mapstructure:"size"`
}

// Entry is one packet: the content and metadata produced by a single step.
type Entry struct {
	Content     map[string]any `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Array is the newest-first packet history of one job.
type Array []Entry

// MarshalJSON encodes an empty array as [] rather than null.
func (a Array) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Entry(a))
}

// Latest returns the entry at index 0.
func (a Array) Latest() (Entry, bool) {
	if len(a) == 0 {
		return Entry{}, false
	}
	return a[0], true
}

// Prepend returns a new array with e at index 0. a is not modified.
func (a Array) Prepend(e Entry) Array {
	out := make(Array, 0, len(a)+1)
	out = append(out, e)
	return append(out, a...)
}

// Clone returns a copy of e whose maps and attachments can be modified
// without affecting e.
func (e Entry) Clone() Entry {
	c := Entry{
		Content:  make(map[string]any, len(e.Content)),
		Metadata: make(map[string]any, len(e.Metadata)),
	}
	for k, v := range e.Content {
		c.Content[k] = v
	}
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	if len(e.Attachments) > 0 {
		c.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	return c
}

// WithStep returns a copy of e marked with the step that produced it.
func (e Entry) WithStep(stepType, handler, flowStepID string) Entry {
	c := e.Clone()
	c.Metadata[MetaStepType] = stepType
	c.Metadata[MetaHandler] = handler
	c.Metadata[MetaFlowStepID] = flowStepID
	return c
}

func (e Entry) Title() string      { return stringValue(e.Content[KeyTitle]) }
func (e Entry) Body() string       { return stringValue(e.Content[KeyBody]) }
func (e Entry) OriginalID() string { return stringValue(e.Metadata[MetaOriginalID]) }
func (e Entry) SourceURL() string  { return stringValue(e.Metadata[MetaSourceURL]) }

// Success reports the entry's success flag. Entries without one count as successful.
func (e Entry) Success() bool {
	v, ok := e.Metadata[MetaSuccess]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// Item is one record returned by an input handler.
type Item struct {
	ID          string         `json:"id" mapstructure:"id"`
	Title       string         `json:"title" mapstructure:"title"`
	Body        string         `json:"body" mapstructure:"body"`
	SourceURL   string         `json:"source_url" mapstructure:"source_url"`
	Tags        []string       `json:"tags,omitempty" mapstructure:"tags"`
	Attachments []Attachment   `json:"attachments,omitempty" mapstructure:"attachments"`
	Fields      map[string]any `json:"-" mapstructure:",remain"`
}

// FromItems builds an entry from the first item an input handler returned.
func FromItems(items []Item) (Entry, error) {
	if len(items) == 0 {
		return Entry{}, fmt.Errorf("no items in handler response: %w", ErrInvalidInput)
	}
	it := items[0]
	if it.Title == "" && it.Body == "" {
		return Entry{}, fmt.Errorf("item %q has neither title nor body: %w", it.ID, ErrInvalidInput)
	}

	e := newEntry()
	for k, v := range it.Fields {
		e.Content[k] = v
	}
	e.Content[KeyTitle] = it.Title
	e.Content[KeyBody] = it.Body
	if len(it.Tags) > 0 {
		e.Content[KeyTags] = it.Tags
	}
	if it.ID != "" {
		e.Metadata[MetaOriginalID] = it.ID
	}
	if it.SourceURL != "" {
		e.Metadata[MetaSourceURL] = it.SourceURL
	}
	if len(it.Attachments) > 0 {
		e.Attachments = append([]Attachment(nil), it.Attachments...)
	}
	return e, nil
}

// FromAnnotations builds an AI entry. Title and body carry over from prev
// unless the annotations replace them.
func FromAnnotations(prev Entry, annotations map[string]any) Entry {
	e := derive(prev)
	for k, v := range annotations {
		e.Content[k] = v
	}
	return e
}

// FromUpdate builds the entry recording an update of existing content.
func FromUpdate(prev Entry, result map[string]any, updatedAt time.Time) Entry {
	e := derive(prev)
	e.Content[KeyUpdateResult] = result
	e.Content[KeyUpdatedAt] = updatedAt.UTC().Format(time.RFC3339)
	return e
}

// FromDelivery builds the entry recording an output delivery.
func FromDelivery(prev Entry, result map[string]any) Entry {
	e := derive(prev)
	e.Content[KeyOutputResult] = result
	return e
}

// Failure builds an entry recording a failed handler call.
func Failure(prev Entry, err error) Entry {
	e := derive(prev)
	e.Metadata[MetaSuccess] = false
	if err != nil {
		e.Metadata[MetaError] = err.Error()
	}
	return e
}

func newEntry() Entry {
	return Entry{
		Content: map[string]any{},
		Metadata: map[string]any{
			MetaSuccess:   true,
			MetaCreatedAt: now().UTC().Format(time.RFC3339),
		},
	}
}

// derive starts a new entry from prev, keeping its title, body and
// carry-over identifiers.
func derive(prev Entry) Entry {
	e := newEntry()
	if t, ok := prev.Content[KeyTitle]; ok {
		e.Content[KeyTitle] = t
	}
	if b, ok := prev.Content[KeyBody]; ok {
		e.Content[KeyBody] = b
	}
	for _, k := range carryOver {
		if v, ok := prev.Metadata[k]; ok {
			e.Metadata[k] = v
		}
	}
	return e
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprint(s)
	}
}
