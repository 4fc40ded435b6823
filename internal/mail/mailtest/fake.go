// Package mailtest provides an in-memory mail.Service for tests.
package mailtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/smukkama/pellet-ingest/internal/mail"
)

// Fake serves a fixed set of messages. Every call is recorded.
type Fake struct {
	// Unconfigured makes Configured return false and every call fail with
	// mail.ErrNotConfigured.
	Unconfigured bool
	// SearchErr fails SearchMessages.
	SearchErr error
	// AttachmentErr fails GetAttachment for the given attachment ID.
	AttachmentErr map[string]error
	// ModifyErr fails ModifyMessage.
	ModifyErr error

	mu          sync.Mutex
	messages    map[string]*mail.Message
	data        map[string][]byte
	order       []string
	Queries     []string
	Downloads   []string
	Modified    map[string][]mail.Modification
	searchLimit []int
}

func New() *Fake {
	return &Fake{
		messages:      make(map[string]*mail.Message),
		data:          make(map[string][]byte),
		AttachmentErr: make(map[string]error),
		Modified:      make(map[string][]mail.Modification),
	}
}

// AddMessage registers msg. files maps attachment file names to their bytes;
// attachment IDs are "<message id>/<file name>".
func (f *Fake) AddMessage(msg mail.Message, files map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	m := msg
	m.Attachments = append([]mail.Attachment(nil), msg.Attachments...)
	for _, name := range names {
		id := msg.ID + "/" + name
		f.data[id] = files[name]
		m.Attachments = append(m.Attachments, mail.Attachment{
			ID:       id,
			Filename: name,
			MimeType: "text/csv",
			Size:     int64(len(files[name])),
		})
	}
	if _, exists := f.messages[msg.ID]; !exists {
		f.order = append(f.order, msg.ID)
	}
	f.messages[msg.ID] = &m
}

func (f *Fake) Configured() bool {
	return !f.Unconfigured
}

func (f *Fake) SearchMessages(_ context.Context, query string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unconfigured {
		return nil, mail.ErrNotConfigured
	}
	f.Queries = append(f.Queries, query)
	f.searchLimit = append(f.searchLimit, limit)
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	ids := append([]string(nil), f.order...)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *Fake) GetMessage(_ context.Context, id string) (*mail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unconfigured {
		return nil, mail.ErrNotConfigured
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) GetAttachment(_ context.Context, messageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unconfigured {
		return nil, mail.ErrNotConfigured
	}
	if err := f.AttachmentErr[attachmentID]; err != nil {
		return nil, err
	}
	data, ok := f.data[attachmentID]
	if !ok {
		return nil, fmt.Errorf("attachment %s of %s not found", attachmentID, messageID)
	}
	f.Downloads = append(f.Downloads, attachmentID)
	return append([]byte(nil), data...), nil
}

func (f *Fake) ModifyMessage(_ context.Context, id string, mod mail.Modification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unconfigured {
		return mail.ErrNotConfigured
	}
	if f.ModifyErr != nil {
		return f.ModifyErr
	}
	f.Modified[id] = append(f.Modified[id], mod)
	return nil
}

// DownloadCount returns how many attachments were fetched.
func (f *Fake) DownloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Downloads)
}

// LastQuery returns the most recent search query.
func (f *Fake) LastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Queries) == 0 {
		return ""
	}
	return f.Queries[len(f.Queries)-1]
}

// LastLimit returns the limit argument of the most recent search.
func (f *Fake) LastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.searchLimit) == 0 {
		return 0
	}
	return f.searchLimit[len(f.searchLimit)-1]
}
