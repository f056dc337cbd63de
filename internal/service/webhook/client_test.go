package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSendsSessionAndInput(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, JSONContentType, r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", JSONContentType)
		_, _ = w.Write([]byte(`{"output":"hi","ignored":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	out, err := client.Complete(context.Background(), "session-1", "hello")

	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, Request{SessionID: "session-1", ChatInput: "hello"}, got)
}

func TestCompleteNon2xxIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Complete(context.Background(), "s", "hello")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusBadGateway, reqErr.Status)
}

func TestCompleteTransportErrorIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, time.Second)
	_, err := client.Complete(context.Background(), "s", "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestCompleteMissingOutputIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, time.Second).Complete(context.Background(), "s", "hello")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCompleteMalformedBodyIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Complete(context.Background(), "s", "hello")
	assert.ErrorIs(t, err, ErrRequestFailed)
}
