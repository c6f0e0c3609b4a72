package producer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Built-in placeholders understood by Template.
const (
	VarWorker    = "vu"
	VarIteration = "iter"
	VarUUID      = "uuid"
)

// Template renders a request from {{name}} placeholders.
//
// Besides the user Variables, every request can reference {{vu}} (the
// worker slot ID), {{iter}} (the iteration index) and {{uuid}} (a random
// UUID, the same value for every occurrence within one request). When the
// run context passed to Produce is a map[string]string its entries are
// available as well and take precedence over Variables.
type Template struct {
	Name      string
	Method    string
	URL       string
	Headers   map[string]string
	Body      string
	Variables map[string]string
}

// Produce renders the template for one iteration.
func (t *Template) Produce(ctx context.Context, iteration int64, workerID int, data any) (*Request, error) {
	vars := t.values(iteration, workerID, data)
	replacer := newReplacer(vars)

	method := strings.ToUpper(strings.TrimSpace(t.Method))
	if method == "" {
		method = http.MethodGet
	}

	target := replacer.Replace(t.URL)
	if target == "" {
		return nil, fmt.Errorf("request url is empty")
	}
	if strings.Contains(target, "{{") {
		return nil, fmt.Errorf("unresolved placeholder in url %q", target)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute", target)
	}

	req := &Request{
		Name:   t.Name,
		Method: method,
		URL:    target,
	}

	if len(t.Headers) > 0 {
		req.Headers = make(map[string]string, len(t.Headers))
		for key, value := range t.Headers {
			req.Headers[key] = replacer.Replace(value)
		}
	}

	if t.Body != "" {
		req.Body = []byte(replacer.Replace(t.Body))
	}

	return req, nil
}

// values collects the placeholder values for one iteration.
func (t *Template) values(iteration int64, workerID int, data any) map[string]string {
	vars := make(map[string]string, len(t.Variables)+3)
	for k, v := range t.Variables {
		vars[k] = v
	}
	if extra, ok := data.(map[string]string); ok {
		for k, v := range extra {
			vars[k] = v
		}
	}

	vars[VarWorker] = strconv.Itoa(workerID)
	vars[VarIteration] = strconv.FormatInt(iteration, 10)
	if t.uses(VarUUID) {
		vars[VarUUID] = uuid.NewString()
	}
	return vars
}

// uses reports whether any part of the template references name.
func (t *Template) uses(name string) bool {
	placeholder := "{{" + name + "}}"
	if strings.Contains(t.URL, placeholder) || strings.Contains(t.Body, placeholder) {
		return true
	}
	for _, v := range t.Headers {
		if strings.Contains(v, placeholder) {
			return true
		}
	}
	return false
}

func newReplacer(vars map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...)
}

// UserRegistration returns the producer used by the classic user
// registration scenario: each iteration registers a distinct user with a
// JSON POST to {baseURL}/user-register.
func UserRegistration(baseURL string) *Template {
	return &Template{
		Name:   "user-register",
		Method: http.MethodPost,
		URL:    strings.TrimRight(baseURL, "/") + "/user-register",
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: `{"username":"testuser_{{vu}}_{{iter}}","name":"Test User",` +
			`"birthdate":"2000-01-01T00:00:00Z","password":"password123"}`,
	}
}

var _ Producer = (*Template)(nil)
