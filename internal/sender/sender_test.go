package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, handler http.HandlerFunc, tokens TokenSource) *HTTPSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewHTTPSender(HTTPOptions{URL: srv.URL + "/ingest", Tokens: tokens}, nil)
	require.NoError(t, err)
	return s
}

func TestHTTPSender_PostsBodyVerbatim(t *testing.T) {
	const body = `[{"timestamp":"2024-01-01T00:00:00.000Z","raw":"AQI="}]`

	var got *http.Request
	var gotBody string
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}, StaticToken("secret"))

	require.NoError(t, s.Send(context.Background(), body))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/ingest", got.URL.Path)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.NotEmpty(t, got.Header.Get("X-Request-ID"))
	assert.Equal(t, body, gotBody)
}

func TestHTTPSender_OmitsAuthorizationWithoutToken(t *testing.T) {
	var auth []string
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Values("Authorization")
	}, StaticToken(""))

	require.NoError(t, s.Send(context.Background(), "{}"))
	assert.Empty(t, auth)
}

func TestHTTPSender_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
		}},
		{"bad gateway", http.StatusBadGateway, func(t *testing.T, err error) {
			var se *ServerError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 502, se.Status)
			assert.Equal(t, "upstream down", se.Body)
			assert.True(t, IsTransient(err))
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var se *ServerError
			require.ErrorAs(t, err, &se)
			assert.False(t, IsTransient(err), "4xx MUST NOT be transient")
			assert.NotErrorIs(t, err, ErrOther)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "upstream down\n")
			}, nil)
			tt.check(t, s.Send(context.Background(), "{}"))
		})
	}
}

func TestHTTPSender_TransportFailureMatchesErrOther(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(HTTPOptions{URL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), "{}")
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrOther)
	assert.False(t, IsTransient(err))
}

func TestNewHTTPSender_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "http://", "::"} {
		_, err := NewHTTPSender(HTTPOptions{URL: u}, nil)
		assert.Error(t, err, "URL %q MUST be rejected", u)
	}
}

func TestRetryTransient(t *testing.T) {
	delays := []time.Duration{time.Millisecond, time.Millisecond}

	t.Run("retries gateway errors until success", func(t *testing.T) {
		calls := 0
		err := RetryTransient(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return &ServerError{Status: 503}
			}
			return nil
		}, delays)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-transient error", func(t *testing.T) {
		calls := 0
		err := RetryTransient(context.Background(), func(context.Context) error {
			calls++
			return ErrUnauthorized
		}, delays)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, 1, calls)
	})

	t.Run("returns last transient error", func(t *testing.T) {
		calls := 0
		err := RetryTransient(context.Background(), func(context.Context) error {
			calls++
			return &ServerError{Status: 504}
		}, delays)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryTransient(ctx, func(context.Context) error {
			return &ServerError{Status: 502}
		}, []time.Duration{time.Hour})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestRedisSender_UnreachableIsTransportError(t *testing.T) {
	s := NewRedisSender(RedisOptions{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	defer s.Close()

	err := s.Send(context.Background(), "{}")
	assert.ErrorIs(t, err, ErrOther)
}

func TestMQTTSender_UnreachableIsTransportError(t *testing.T) {
	s := NewMQTTSender(MQTTOptions{Broker: "tcp://127.0.0.1:1", Timeout: 500 * time.Millisecond}, nil)
	defer s.Close()

	err := s.Send(context.Background(), "{}")
	assert.ErrorIs(t, err, ErrOther)
}
