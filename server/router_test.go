package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter_MintsAndAnnotates(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	upstream, err := url.Parse(backend.URL)
	assert.Nil(t, err)
	router := httptest.NewServer(NewRouter(upstream))
	defer router.Close()

	// Without a session id one is minted and annotated; the replica pin is
	// stripped.
	request, err := http.NewRequest(http.MethodPost, router.URL, strings.NewReader("{}"))
	assert.Nil(t, err)
	request.Header.Set(ReplicaPinHeader, "replica-3")
	response, err := http.DefaultClient.Do(request)
	assert.Nil(t, err)
	response.Body.Close()

	minted := seen.Get(defaultSessionHeader)
	assert.NotEqual(t, "", minted)
	assert.Equal(t, sessionRefPrefix+minted, seen.Get(SessionRefHeader))
	assert.Equal(t, "", seen.Get(ReplicaPinHeader))

	// An existing session id is kept.
	request, err = http.NewRequest(http.MethodPost, router.URL, strings.NewReader("{}"))
	assert.Nil(t, err)
	request.Header.Set(defaultSessionHeader, "session-42")
	response, err = http.DefaultClient.Do(request)
	assert.Nil(t, err)
	response.Body.Close()
	assert.Equal(t, "session-42", seen.Get(defaultSessionHeader))
	assert.Equal(t, sessionRefPrefix+"session-42", seen.Get(SessionRefHeader))
}
