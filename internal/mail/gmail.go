package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	netmail "net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultCallTimeout = 30 * time.Second
	unreadLabel        = "UNREAD"
)

// GmailConfig carries the OAuth client and a previously granted refresh
// token. Obtaining the token is outside this service.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	User         string
	CallTimeout  time.Duration
}

func (c GmailConfig) configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Gmail implements Service on the Gmail REST API.
type Gmail struct {
	svc         *gmail.Service
	user        string
	callTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	labels map[string]string
}

// NewGmail builds the client. With incomplete credentials it returns a
// service whose Configured is false and whose calls fail with
// ErrNotConfigured.
func NewGmail(ctx context.Context, cfg GmailConfig, logger *zap.Logger) (*Gmail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gmail{
		user:        cfg.User,
		callTimeout: cfg.CallTimeout,
		logger:      logger.Named("gmail"),
		labels:      make(map[string]string),
	}
	if g.user == "" {
		g.user = "me"
	}
	if g.callTimeout <= 0 {
		g.callTimeout = defaultCallTimeout
	}
	if !cfg.configured() {
		return g, nil
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	g.svc = svc
	return g, nil
}

func (g *Gmail) Configured() bool {
	return g.svc != nil
}

func (g *Gmail) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.svc == nil {
		return nil, nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	return ctx, cancel, nil
}

func (g *Gmail) SearchMessages(ctx context.Context, query string, limit int) ([]string, error) {
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var ids []string
	pageToken := ""
	for {
		req := g.svc.Users.Messages.List(g.user).Q(query).Context(ctx)
		if limit > 0 {
			req = req.MaxResults(int64(limit - len(ids)))
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Do()
		if err != nil {
			return nil, classify("search messages", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || (limit > 0 && len(ids) >= limit) {
			break
		}
		pageToken = resp.NextPageToken
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *Gmail) GetMessage(ctx context.Context, id string) (*Message, error) {
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	m, err := g.svc.Users.Messages.Get(g.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message "+id, err)
	}

	msg := &Message{ID: m.Id}
	if m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = h.Value
			case "subject":
				msg.Subject = h.Value
			case "date":
				if msg.Date.IsZero() {
					if d, err := netmail.ParseDate(h.Value); err == nil {
						msg.Date = d.UTC()
					}
				}
			}
		}
		msg.Attachments = collectAttachments(m.Payload, nil)
	}
	return msg, nil
}

// collectAttachments walks the MIME tree depth first and returns every part
// that carries a file name.
func collectAttachments(part *gmail.MessagePart, out []Attachment) []Attachment {
	if part == nil {
		return out
	}
	if part.Filename != "" && part.Body != nil {
		a := Attachment{
			ID:       part.Body.AttachmentId,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		}
		if a.ID == "" && part.Body.Data != "" {
			if data, err := decodeBody(part.Body.Data); err == nil {
				a.Data = data
			}
		}
		out = append(out, a)
	}
	for _, child := range part.Parts {
		out = collectAttachments(child, out)
	}
	return out
}

func (g *Gmail) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	body, err := g.svc.Users.Messages.Attachments.Get(g.user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, classify("get attachment "+attachmentID, err)
	}
	data, err := decodeBody(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

func (g *Gmail) ModifyMessage(ctx context.Context, id string, mod Modification) error {
	if mod.IsZero() {
		return nil
	}
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	req := &gmail.ModifyMessageRequest{}
	if mod.MarkRead {
		req.RemoveLabelIds = []string{unreadLabel}
	}
	if mod.AddLabel != "" {
		labelID, err := g.labelID(ctx, mod.AddLabel)
		if err != nil {
			return err
		}
		req.AddLabelIds = []string{labelID}
	}
	if _, err := g.svc.Users.Messages.Modify(g.user, id, req).Context(ctx).Do(); err != nil {
		return classify("modify message "+id, err)
	}
	return nil
}

// labelID resolves a label by name, creating it on first use.
func (g *Gmail) labelID(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.labels[name]; ok {
		return id, nil
	}

	resp, err := g.svc.Users.Labels.List(g.user).Context(ctx).Do()
	if err != nil {
		return "", classify("list labels", err)
	}
	for _, l := range resp.Labels {
		g.labels[l.Name] = l.Id
	}
	if id, ok := g.labels[name]; ok {
		return id, nil
	}

	created, err := g.svc.Users.Labels.Create(g.user, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("create label "+name, err)
	}
	g.logger.Info("created label", zap.String("label", name))
	g.labels[name] = created.Id
	return created.Id, nil
}

// classify maps credential failures to ErrReauthRequired and wraps the rest.
func classify(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("%s: %w: %s", op, ErrReauthRequired, retrieveErr.ErrorCode)
		}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrReauthRequired)
	}
	if strings.Contains(err.Error(), "invalid_grant") {
		return fmt.Errorf("%s: %w", op, ErrReauthRequired)
	}
	return fmt.Errorf("%s: %w", op, err)
}
