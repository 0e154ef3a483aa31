package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailOptions configures the Gmail API backend.
type GmailOptions struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserID       string
	Sender       string
	SenderName   string
	// Initial listing window when no history cursor exists yet.
	BootstrapQuery string
}

// GmailClient talks to the Gmail REST API for one mailbox.
type GmailClient struct {
	srv    *gmail.Service
	opts   GmailOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewGmailClient builds an OAuth client from the refresh token and opens the Gmail service.
func NewGmailClient(ctx context.Context, opts GmailOptions, logger *zap.Logger) (*GmailClient, error) {
	if opts.UserID == "" {
		opts.UserID = "me"
	}
	if opts.BootstrapQuery == "" {
		opts.BootstrapQuery = "newer_than:1d"
	}
	oauthCfg := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
	token := &oauth2.Token{
		RefreshToken: opts.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now(),
	}
	httpClient := oauth2.NewClient(ctx, oauthCfg.TokenSource(ctx, token))

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	return NewGmailClientWithService(srv, opts, logger), nil
}

// NewGmailClientWithService wraps an already configured service.
func NewGmailClientWithService(srv *gmail.Service, opts GmailOptions, logger *zap.Logger) *GmailClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserID == "" {
		opts.UserID = "me"
	}
	if opts.BootstrapQuery == "" {
		opts.BootstrapQuery = "newer_than:1d"
	}
	return &GmailClient{srv: srv, opts: opts, logger: logger.Named("gmail"), now: time.Now}
}

func (g *GmailClient) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if msg.From == "" {
		msg.From = g.opts.Sender
		msg.FromName = g.opts.SenderName
	}
	raw, err := BuildMIME(msg, g.now())
	if err != nil {
		return SendResult{}, err
	}

	sent, err := g.srv.Users.Messages.Send(g.opts.UserID, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: msg.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return SendResult{}, gmailError("send", err)
	}

	result := SendResult{
		ExternalMessageID: NormalizeMessageID(msg.MessageID),
		ProviderMessageID: sent.Id,
		ThreadID:          sent.ThreadId,
	}

	// Gmail may rewrite Message-ID on send; the stored id must match what recipients reply to.
	meta, err := g.srv.Users.Messages.Get(g.opts.UserID, sent.Id).
		Format("metadata").
		MetadataHeaders("Message-ID").
		Context(ctx).Do()
	if err != nil {
		g.logger.Warn("could not read back message id", zap.String("provider_message_id", sent.Id), zap.Error(err))
		return result, nil
	}
	if id := headerValue(meta.Payload, "Message-ID"); id != "" {
		result.ExternalMessageID = NormalizeMessageID(id)
	}
	return result, nil
}

func (g *GmailClient) FetchThread(ctx context.Context, threadID string) ([]RawMessage, error) {
	thread, err := g.srv.Users.Threads.Get(g.opts.UserID, threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return nil, gmailError("fetch_thread", err)
	}
	out := make([]RawMessage, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		raw, err := g.FetchMessage(ctx, m.Id)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (g *GmailClient) FetchMessage(ctx context.Context, providerMessageID string) (RawMessage, error) {
	msg, err := g.srv.Users.Messages.Get(g.opts.UserID, providerMessageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return RawMessage{}, gmailError("fetch_message", err)
	}
	data, err := decodeRaw(msg.Raw)
	if err != nil {
		return RawMessage{}, Permanent("fetch_message", 0, fmt.Errorf("decode raw message %s: %w", providerMessageID, err))
	}
	return RawMessage{
		ProviderMessageID: msg.Id,
		ThreadID:          msg.ThreadId,
		Raw:               data,
		LabelIDs:          msg.LabelIds,
		ReceivedAt:        time.UnixMilli(msg.InternalDate).UTC(),
	}, nil
}

func (g *GmailClient) ListSince(ctx context.Context, cursor string) ([]string, string, error) {
	if cursor == "" {
		return g.bootstrap(ctx)
	}
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", Permanent("list_since", 0, fmt.Errorf("invalid history cursor %q", cursor))
	}

	var ids []string
	seen := map[string]struct{}{}
	next := cursor
	pageToken := ""
	for {
		call := g.srv.Users.History.List(g.opts.UserID).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 404 {
				// History expired on the provider side; start over from a fresh listing.
				g.logger.Warn("history cursor expired", zap.String("cursor", cursor))
				return g.bootstrap(ctx)
			}
			return nil, "", gmailError("list_since", err)
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, ok := seen[added.Message.Id]; ok {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.HistoryId > 0 {
			next = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, next, nil
}

// Watch registers the mailbox for push notifications on topic and returns the current history id.
func (g *GmailClient) Watch(ctx context.Context, topic string) (string, error) {
	resp, err := g.srv.Users.Watch(g.opts.UserID, &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX", "SENT"},
	}).Context(ctx).Do()
	if err != nil {
		return "", gmailError("watch", err)
	}
	g.logger.Info("gmail watch registered",
		zap.String("topic", topic),
		zap.Int64("expiration", resp.Expiration),
		zap.Uint64("history_id", resp.HistoryId))
	return strconv.FormatUint(resp.HistoryId, 10), nil
}

func (g *GmailClient) bootstrap(ctx context.Context) ([]string, string, error) {
	profile, err := g.srv.Users.GetProfile(g.opts.UserID).Context(ctx).Do()
	if err != nil {
		return nil, "", gmailError("list_since", err)
	}
	resp, err := g.srv.Users.Messages.List(g.opts.UserID).Q(g.opts.BootstrapQuery).MaxResults(100).Context(ctx).Do()
	if err != nil {
		return nil, "", gmailError("list_since", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	// Listing is newest first.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		ids = append(ids, resp.Messages[i].Id)
	}
	return ids, strconv.FormatUint(profile.HistoryId, 10), nil
}

func headerValue(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func decodeRaw(raw string) ([]byte, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func gmailError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if IsPermanentStatus(apiErr.Code) {
			return Permanent(op, apiErr.Code, err)
		}
		return Transient(op, apiErr.Code, err)
	}
	return Transient(op, 0, err)
}
