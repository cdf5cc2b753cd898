// Package webhook sends relay output through a chat gateway over HTTP.
//
// The gateway owns the chat protocol. The relay only needs three calls:
//
//	POST {base}/send           JSON {chat_id, text, media, buttons} -> {message_id}
//	POST {base}/send_document  multipart chat_id, caption, document
//	GET  {base}/files/{ref}    raw file bytes
//
// Private chats are addressed by the user id, as chat platforms do.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/ticketrelay/internal/engine"
	"github.com/roach88/ticketrelay/internal/operator"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// DefaultTimeout bounds one gateway call.
const DefaultTimeout = 15 * time.Second

// DefaultMaxFileSize caps FetchFile downloads.
const DefaultMaxFileSize = 256 << 20

// ErrFileTooLarge is returned by FetchFile when the file exceeds the limit.
var ErrFileTooLarge = errors.New("gateway file exceeds size limit")

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client implements engine.Transport and operator.Transport.
type Client struct {
	baseURL      string
	staffChat    int64
	operatorChat int64
	maxFileSize  int64
	http         *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithMaxFileSize sets the FetchFile download limit.
func WithMaxFileSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFileSize = n
		}
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, staffChat, operatorChat int64, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		staffChat:    staffChat,
		operatorChat: operatorChat,
		maxFileSize:  DefaultMaxFileSize,
		http:         &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ engine.Transport   = (*Client)(nil)
	_ operator.Transport = (*Client)(nil)
)

type sendRequest struct {
	ChatID  int64           `json:"chat_id"`
	Text    string          `json:"text,omitempty"`
	Media   *ticket.Content `json:"media,omitempty"`
	Buttons []engine.Button `json:"buttons,omitempty"`
}

type sendResponse struct {
	MessageID int64 `json:"message_id"`
}

// SendToStaff posts msg to the staff chat.
func (c *Client) SendToStaff(ctx context.Context, msg engine.Outbound) (ticket.StaffMessageID, error) {
	id, err := c.send(ctx, c.staffChat, msg)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("gateway POST /send: response without message_id")
	}
	return ticket.StaffMessageID(id), nil
}

// SendToUser sends msg to the user's private chat.
func (c *Client) SendToUser(ctx context.Context, user ticket.UserID, msg engine.Outbound) error {
	_, err := c.send(ctx, int64(user), msg)
	return err
}

// SendToOperator posts to the operator chat, uploading the attachment when
// there is one.
func (c *Client) SendToOperator(ctx context.Context, msg operator.Message) error {
	if msg.Attachment == "" {
		_, err := c.send(ctx, c.operatorChat, engine.Outbound{Text: msg.Text})
		return err
	}
	return c.sendDocument(ctx, c.operatorChat, msg.Text, msg.Attachment)
}

// FetchFile downloads the file behind ref into w. Files larger than the
// size limit fail with ErrFileTooLarge; w may then hold a partial copy.
func (c *Client) FetchFile(ctx context.Context, ref string, w io.Writer) error {
	path := "/files/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxFileSize {
		return fmt.Errorf("gateway GET %s: %w (%d bytes, limit %d)", path, ErrFileTooLarge, resp.ContentLength, c.maxFileSize)
	}
	n, err := io.Copy(w, io.LimitReader(resp.Body, c.maxFileSize+1))
	if err != nil {
		return fmt.Errorf("gateway GET %s: %w", path, err)
	}
	if n > c.maxFileSize {
		return fmt.Errorf("gateway GET %s: %w (limit %d)", path, ErrFileTooLarge, c.maxFileSize)
	}
	return nil
}

func (c *Client) send(ctx context.Context, chat int64, msg engine.Outbound) (int64, error) {
	body, err := json.Marshal(sendRequest{ChatID: chat, Text: msg.Text, Media: msg.Media, Buttons: msg.Buttons})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "/send")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return 0, fmt.Errorf("gateway POST /send: decode response: %w", err)
	}
	return out.MessageID, nil
}

func (c *Client) sendDocument(ctx context.Context, chat int64, caption, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", fmt.Sprint(chat)); err != nil {
		return err
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send_document", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, "/send_document")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends req and turns non-2xx responses into *StatusError.
func (c *Client) do(req *http.Request, path string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w", req.Method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: req.Method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
