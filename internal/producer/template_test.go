package producer

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_RendersBuiltins(t *testing.T) {
	tmpl := &Template{
		Method: "post",
		URL:    "http://{{host}}/items/{{iter}}",
		Headers: map[string]string{
			"X-Worker": "{{vu}}",
		},
		Body:      `{"id":"{{uuid}}","again":"{{uuid}}"}`,
		Variables: map[string]string{"host": "localhost:8000"},
	}

	req, err := tmpl.Produce(context.Background(), 42, 7, nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://localhost:8000/items/42", req.URL)
	assert.Equal(t, "7", req.Headers["X-Worker"])

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	_, err = uuid.Parse(body["id"])
	assert.NoError(t, err)
	assert.Equal(t, body["id"], body["again"], "one uuid per request")
}

func TestTemplate_ContextOverridesVariables(t *testing.T) {
	tmpl := &Template{
		URL:       "http://{{host}}/",
		Variables: map[string]string{"host": "a.example"},
	}

	req, err := tmpl.Produce(context.Background(), 0, 0, map[string]string{"host": "b.example"})
	require.NoError(t, err)
	assert.Equal(t, "http://b.example/", req.URL)
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestTemplate_Errors(t *testing.T) {
	tests := []struct {
		name string
		tmpl *Template
	}{
		{"empty url", &Template{}},
		{"unresolved placeholder", &Template{URL: "http://{{missing}}/"}},
		{"relative url", &Template{URL: "/just/a/path"}},
		{"unparseable url", &Template{URL: "http://[::1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tmpl.Produce(context.Background(), 1, 1, nil)
			assert.Error(t, err)
		})
	}
}

func TestUserRegistration_UniqueUsernames(t *testing.T) {
	p := UserRegistration("http://localhost:8000/")

	seen := map[string]bool{}
	for iter := int64(0); iter < 50; iter++ {
		req, err := p.Produce(context.Background(), iter, int(iter%10), nil)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8000/user-register", req.URL)
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Headers["Content-Type"])

		var payload struct {
			Username  string `json:"username"`
			Name      string `json:"name"`
			Birthdate string `json:"birthdate"`
			Password  string `json:"password"`
		}
		require.NoError(t, json.Unmarshal(req.Body, &payload))
		assert.False(t, seen[payload.Username], "duplicate username %s", payload.Username)
		seen[payload.Username] = true
		assert.Equal(t, "Test User", payload.Name)
	}
}

func TestStatic_CopiesHeaders(t *testing.T) {
	p := Static(Request{URL: "http://example.com", Headers: map[string]string{"A": "1"}})

	first, err := p.Produce(context.Background(), 0, 0, nil)
	require.NoError(t, err)
	first.Headers["A"] = "changed"

	second, err := p.Produce(context.Background(), 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", second.Headers["A"])
	assert.Equal(t, http.MethodGet, second.Method)
}
