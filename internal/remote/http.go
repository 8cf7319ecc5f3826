package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Token   string
	// SelfJID is the local account; it decides which side of a message is "me".
	SelfJID        string
	RequestTimeout time.Duration
	// MaxTries bounds attempts per request, including the first.
	MaxTries   uint
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient talks to the history service over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	self       string
	httpClient *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

var _ Remote = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at opts.BaseURL.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		self:       opts.SelfJID,
		httpClient: httpClient,
		maxTries:   maxTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: logger,
	}
}

type wireItem struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

type conversationListResponse struct {
	Items    []wireItem `json:"items"`
	Next     string     `json:"next"`
	Complete bool       `json:"complete"`
}

// FetchConversationList returns one page of the conversation list.
func (c *HTTPClient) FetchConversationList(ctx context.Context, q ListQuery) (ConversationPage, error) {
	v := url.Values{}
	if !q.Start.IsZero() {
		v.Set("start", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		v.Set("end", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	if q.MaxResults > 0 {
		v.Set("max", strconv.Itoa(q.MaxResults))
	}
	if q.AfterToken != "" {
		v.Set("after", q.AfterToken)
	}
	var out conversationListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/archive?"+v.Encode(), nil, &out); err != nil {
		return ConversationPage{}, err
	}
	page := ConversationPage{NextToken: out.Next, Complete: out.Complete}
	for _, it := range out.Items {
		page.Items = append(page.Items, ArchiveItem{
			ID:        it.ID,
			From:      it.From,
			To:        it.To,
			Body:      it.Body,
			Type:      it.Type,
			Timestamp: store.FromMillis(it.TS),
		})
	}
	return page, nil
}

type messagePageResponse struct {
	Messages []wireMessage `json:"messages"`
	First    string        `json:"first"`
	Last     string        `json:"last"`
	Complete bool          `json:"complete"`
}

// FetchMessagesForContact returns one page of a conversation's history.
// Lines that cannot be attributed to a counterpart are dropped.
func (c *HTTPClient) FetchMessagesForContact(ctx context.Context, conversationJID string, q MessageQuery) (MessagePage, error) {
	v := url.Values{}
	if q.MaxResults > 0 {
		v.Set("max", strconv.Itoa(q.MaxResults))
	}
	if q.AfterToken != "" {
		v.Set("after", q.AfterToken)
	}
	if q.BeforeToken != "" {
		v.Set("before", q.BeforeToken)
	}
	if q.AfterToken == "" && !q.Since.IsZero() {
		v.Set("since", strconv.FormatInt(q.Since.UnixMilli(), 10))
	}
	var out messagePageResponse
	path := fmt.Sprintf("/v1/archive/%s?%s", url.PathEscape(conversationJID), v.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{FirstToken: out.First, LastToken: out.Last, Complete: out.Complete}
	for _, w := range out.Messages {
		m, err := w.toMessage(c.self)
		if err != nil {
			c.logger.Warn("dropping unattributable history line", zap.String("id", w.ID), zap.Error(err))
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

type directoryEntryWire struct {
	JID        string `json:"jid"`
	Name       string `json:"name"`
	AvatarData string `json:"avatar_data,omitempty"`
	AvatarType string `json:"avatar_type,omitempty"`
}

// FetchDirectory looks up profile data for jids.
func (c *HTTPClient) FetchDirectory(ctx context.Context, jids []string) ([]store.DirectoryEntry, error) {
	var out struct {
		Entries []directoryEntryWire `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/directory", map[string]any{"jids": jids}, &out); err != nil {
		return nil, err
	}
	entries := make([]store.DirectoryEntry, 0, len(out.Entries))
	for _, e := range out.Entries {
		entries = append(entries, store.DirectoryEntry{JID: e.JID, Name: e.Name, AvatarData: e.AvatarData, AvatarType: e.AvatarType})
	}
	return entries, nil
}

// SendMessage submits an outgoing message and returns the server-assigned id.
func (c *HTTPClient) SendMessage(ctx context.Context, to, body, clientID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	req := map[string]any{"to": to, "body": body, "client_id": clientID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("send %s: server returned no id", clientID)
	}
	return out.ID, nil
}

// doJSON performs one request, retrying transport errors, 429 and 5xx with
// exponential backoff. Other non-2xx responses fail immediately.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return err
		}
	}

	op := func() ([]byte, error) {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Request-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		payload, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, httpErr
		}
		return nil, backoff.Permanent(httpErr)
	}

	payload, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request", zap.String("method", method), zap.String("path", requestPath),
				zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}
