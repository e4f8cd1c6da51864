// Package api is the REST side of the chat server: accounts, starting conversations,
// history pages and asset uploads.
package api

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
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/event"
)

const DefaultTimeout = 5 * time.Second

var errUnauthorized = errors.New("unauthorized")

// ErrUnauthorized reports a missing, expired or rejected token.
var ErrUnauthorized = errUnauthorized

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Logger  *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Logger:  logger.Named("api"),
	}
}

type LoginResponse struct {
	Token     string    `json:"token"`
	User      chat.User `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (c *Client) Signup(ctx context.Context, username, password, role string) error {
	payload := credentials{Username: username, Password: password, Role: role}
	return c.doJSON(ctx, http.MethodPost, "/api/signup", payload, nil)
}

// Login exchanges credentials for a token and remembers it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	payload := credentials{Username: username, Password: password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/login", payload, &resp); err != nil {
		return nil, err
	}
	c.Token = resp.Token
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/logout", nil, nil)
}

func (c *Client) StartConversation(ctx context.Context) (chat.Room, error) {
	var room chat.Room
	if err := c.doJSON(ctx, http.MethodPost, "/api/rooms", nil, &room); err != nil {
		return chat.Room{}, err
	}
	if room.ID == "" {
		return chat.Room{}, errors.New("server returned a room without id")
	}
	return room, nil
}

func (c *Client) CloseConversation(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/close", nil, nil)
}

// FetchHistory returns one page of a room's messages, oldest first. Page 1 is the most
// recent page.
func (c *Client) FetchHistory(ctx context.Context, roomID string, page, limit int) (chat.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return chat.HistoryPage{}, err
	}
	return c.parseHistory(roomID, raw), nil
}

func (c *Client) parseHistory(roomID string, raw []byte) chat.HistoryPage {
	root := gjson.ParseBytes(raw)
	items := root.Get("messages")
	if !items.Exists() {
		items = root.Get("data")
	}
	var out chat.HistoryPage
	items.ForEach(func(_, item gjson.Result) bool {
		msg, err := event.ParseMessage([]byte(item.Raw))
		if err != nil {
			c.Logger.Warn("malformed history entry", zap.String("room_id", roomID), zap.Error(err))
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		out.Messages = append(out.Messages, msg)
		return true
	})
	p := root.Get("pagination")
	out.Pagination = chat.Pagination{
		Page:    int(p.Get("page").Int()),
		Limit:   int(p.Get("limit").Int()),
		Total:   int(p.Get("total").Int()),
		HasMore: p.Get("has_more").Bool() || p.Get("hasMore").Bool(),
	}
	return out
}

type uploadResponse struct {
	URL string `json:"url"`
}

// UploadAsset stores a local file on the server and returns its absolute URL.
func (c *Client) UploadAsset(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("server returned no url for upload")
	}
	return c.absolute(resp.URL), nil
}

func (c *Client) absolute(ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil || parsed.IsAbs() {
		return ref
	}
	base, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: server returned %d: %s", req.Method, req.URL.Path,
			resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	// chunked responses carry no length header, so read everything
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	if msg := gjson.GetBytes(data, "error"); msg.Type == gjson.String {
		return msg.Str
	}
	return strings.TrimSpace(string(data))
}

// HTTPBaseFromWS derives the REST base URL from a websocket endpoint.
func HTTPBaseFromWS(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
