// Package erp speaks the JSON-RPC dialect of the external ERP (Odoo-compatible) used to mirror
// confirmed orders as sales records.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 4 << 20
)

var (
	// ErrAuthFailed signals rejected credentials; the ERP answers authenticate with false.
	ErrAuthFailed = errors.New("erp: authentication failed")
	// ErrNotFound signals that a lookup returned no record.
	ErrNotFound = errors.New("erp: record not found")
	// ErrInvalidXMLID signals an external identifier without a module prefix.
	ErrInvalidXMLID = errors.New("erp: xml id must be module.name")
)

// RPCError is the error object returned inside a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("erp: rpc error %d: %s", e.Code, e.Message)
}

// Credentials identify the ERP database and user.
type Credentials struct {
	Database string
	Username string
	Password string
}

// Session is an authenticated ERP session.
type Session struct {
	UID   int64
	creds Credentials
}

// Record is a decoded search_read row.
type Record map[string]any

// Int returns a numeric field. Many2one fields arrive as [id, display_name] and yield the id.
func (r Record) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case float64:
		return int64(v), v > 0
	case []any:
		if len(v) > 0 {
			if id, ok := v[0].(float64); ok {
				return int64(id), id > 0
			}
		}
	}
	return 0, false
}

// String returns a text field; the ERP encodes unset values as false.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Client is a minimal JSON-RPC client. It holds no session state; callers authenticate per sync.
type Client struct {
	endpoint   string
	httpClient *http.Client
	newID      func() string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, e.g. to share transports.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout bounds every RPC call. A client passed through WithHTTPClient is copied, not modified.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			bounded := *c.httpClient
			bounded.Timeout = timeout
			c.httpClient = &bounded
		}
	}
}

// NewClient constructs a client for the ERP base URL, e.g. https://erp.example.com.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("erp: endpoint is required")
	}
	client := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Authenticate logs in and returns the session uid.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	var result json.RawMessage
	args := []any{creds.Database, creds.Username, creds.Password, map[string]any{}}
	if err := c.call(ctx, "common", "authenticate", args, &result); err != nil {
		return nil, err
	}

	var uid int64
	if err := json.Unmarshal(result, &uid); err != nil || uid <= 0 {
		return nil, ErrAuthFailed
	}
	return &Session{UID: uid, creds: creds}, nil
}

// ResolveXMLID translates an external identifier such as "__export__.product_product_12" into
// the record's model and database id.
func (c *Client) ResolveXMLID(ctx context.Context, session *Session, xmlID string) (model string, id int64, err error) {
	module, name, ok := strings.Cut(strings.TrimSpace(xmlID), ".")
	if !ok || module == "" || name == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidXMLID, xmlID)
	}

	var result []json.RawMessage
	if err := c.executeKW(ctx, session, "ir.model.data", "check_object_reference", []any{module, name}, nil, &result); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && isMissingReference(rpcErr) {
			return "", 0, fmt.Errorf("%w: %s", ErrNotFound, xmlID)
		}
		return "", 0, err
	}
	if len(result) != 2 {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, xmlID)
	}
	if err := json.Unmarshal(result[0], &model); err != nil {
		return "", 0, fmt.Errorf("erp: decode model: %w", err)
	}
	if err := json.Unmarshal(result[1], &id); err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, xmlID)
	}
	return model, id, nil
}

// SearchRead runs search_read with a domain filter such as [["name","=","x"]].
func (c *Client) SearchRead(ctx context.Context, session *Session, model string, domain [][]any, fields []string, limit int) ([]Record, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	var records []Record
	if err := c.executeKW(ctx, session, model, "search_read", []any{domain}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Create inserts a record and returns its id.
func (c *Client) Create(ctx context.Context, session *Session, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.executeKW(ctx, session, model, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("erp: create %s returned id %d", model, id)
	}
	return id, nil
}

// Ping checks reachability via the unauthenticated version call.
func (c *Client) Ping(ctx context.Context) error {
	var result json.RawMessage
	return c.call(ctx, "common", "version", []any{}, &result)
}

func (c *Client) executeKW(ctx context.Context, session *Session, model, method string, args []any, kwargs map[string]any, out any) error {
	if session == nil {
		return errors.New("erp: session is required")
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := []any{session.creds.Database, session.UID, session.creds.Password, model, method, args, kwargs}
	return c.call(ctx, "object", "execute_kw", params, out)
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      string    `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.newID(),
	})
	if err != nil {
		return fmt.Errorf("erp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jsonrpc", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("erp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("erp: %s.%s: %w", service, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return fmt.Errorf("erp: %s.%s: unexpected status %d", service, method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&decoded); err != nil {
		return fmt.Errorf("erp: decode response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("erp: decode %s.%s result: %w", service, method, err)
	}
	return nil
}

func isMissingReference(err *RPCError) bool {
	text := strings.ToLower(err.Message + " " + string(err.Data))
	return strings.Contains(text, "external id not found") || strings.Contains(text, "valueerror")
}
