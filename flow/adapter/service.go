package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// Error kinds a Service reports. They mirror the engine's node failure
// kinds so external-action runners can pass them through unchanged.
const (
	ServiceErrInvalidRequest = "invalid_request"
	ServiceErrProvider       = "provider_error"
	ServiceErrRateLimited    = "rate_limited"
)

// Result is the outcome of one external service operation.
type Result struct {
	Success bool
	Data    map[string]any

	// ErrorKind is one of the ServiceErr* constants when Success is
	// false.
	ErrorKind string
	Message   string
}

// Service invokes operations against one external integration (Slack,
// GitHub, Notion, a generic REST API). Credentials arrive per call; a
// Service holds no user state.
type Service interface {
	Invoke(ctx context.Context, operation string, params map[string]any, cred Credential) (Result, error)
}

// Services is a registry of integrations keyed by provider name.
type Services struct {
	mu sync.RWMutex
	m  map[string]Service
}

// NewServices creates an empty registry.
func NewServices() *Services {
	return &Services{m: make(map[string]Service)}
}

// Register adds or replaces the service for a provider.
func (s *Services) Register(provider string, svc Service) {
	s.mu.Lock()
	s.m[provider] = svc
	s.mu.Unlock()
}

// Get returns the service for a provider.
func (s *Services) Get(provider string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.m[provider]
	return svc, ok
}

// RESTService is the generic api_call integration: each operation is an
// HTTP call described by the node's parameters (method, url, headers,
// body). The caller's idempotency key, when present under the
// "idempotency_key" parameter, is forwarded as the Idempotency-Key
// header for targets that support it.
type RESTService struct {
	invoker Invoker
}

// NewRESTService creates a RESTService over the given invoker.
func NewRESTService(invoker Invoker) *RESTService {
	return &RESTService{invoker: invoker}
}

// Invoke implements Service. The operation names the HTTP method when
// the params carry none.
func (r *RESTService) Invoke(ctx context.Context, operation string, params map[string]any, cred Credential) (Result, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return Result{ErrorKind: ServiceErrInvalidRequest, Message: "api_call requires a url parameter"}, nil
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = strings.ToUpper(operation)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if hs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hs {
			headers[k] = fmt.Sprint(v)
		}
	}
	if cred.Token != "" {
		headers["Authorization"] = "Bearer " + cred.Token
	}
	if key, ok := params["idempotency_key"].(string); ok && key != "" {
		headers["Idempotency-Key"] = key
	}

	var body []byte
	if b, ok := params["body"]; ok && b != nil {
		var err error
		body, err = json.Marshal(b)
		if err != nil {
			return Result{ErrorKind: ServiceErrInvalidRequest, Message: "unencodable body: " + err.Error()}, nil
		}
	}

	resp, err := r.invoker.Do(ctx, Request{Method: method, URL: rawURL, Headers: headers, Body: body})
	if err != nil {
		return Result{}, err
	}

	data := map[string]any{"status": resp.Status}
	var parsed any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &parsed) == nil {
		data["body"] = parsed
	} else if len(resp.Body) > 0 {
		data["body"] = string(resp.Body)
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return Result{Success: true, Data: data}, nil
	case resp.Status == 429:
		return Result{Data: data, ErrorKind: ServiceErrRateLimited, Message: "rate limited"}, nil
	case resp.Status >= 400 && resp.Status < 500:
		return Result{Data: data, ErrorKind: ServiceErrInvalidRequest, Message: fmt.Sprintf("provider returned %d", resp.Status)}, nil
	default:
		return Result{Data: data, ErrorKind: ServiceErrProvider, Message: fmt.Sprintf("provider returned %d", resp.Status)}, nil
	}
}

// slackAPI is the subset of the Slack SDK the service uses, extracted
// so tests can substitute a mock.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackService invokes Slack operations with the caller's token.
//
// Supported operations: post_message (params: channel, text).
type SlackService struct {
	// newAPI builds a client per call because the token is
	// per-invocation, not per-service.
	newAPI func(token string) slackAPI
}

// NewSlackService creates the production Slack service.
func NewSlackService() *SlackService {
	return &SlackService{
		newAPI: func(token string) slackAPI { return slack.New(token) },
	}
}

// Invoke implements Service.
func (s *SlackService) Invoke(ctx context.Context, operation string, params map[string]any, cred Credential) (Result, error) {
	if cred.Token == "" {
		return Result{ErrorKind: ServiceErrInvalidRequest, Message: "slack requires a token"}, nil
	}
	api := s.newAPI(cred.Token)

	switch operation {
	case "post_message":
		channel, _ := params["channel"].(string)
		text, _ := params["text"].(string)
		if channel == "" || text == "" {
			return Result{ErrorKind: ServiceErrInvalidRequest, Message: "post_message requires channel and text"}, nil
		}
		chID, ts, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return classifySlackError(err), nil
		}
		return Result{Success: true, Data: map[string]any{"channel": chID, "ts": ts}}, nil
	default:
		return Result{ErrorKind: ServiceErrInvalidRequest, Message: "unknown slack operation " + operation}, nil
	}
}

func classifySlackError(err error) Result {
	msg := err.Error()
	kind := ServiceErrProvider
	if strings.Contains(msg, "rate") && strings.Contains(msg, "limit") {
		kind = ServiceErrRateLimited
	}
	return Result{ErrorKind: kind, Message: msg}
}
