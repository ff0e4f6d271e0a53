package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, License: "lic", QualityFloor: 50, WSQRate: 2.25, ProbeTimeout: 200 * time.Millisecond})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCaptureSendsFormAndDecodesTemplate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, capturePath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10000", r.PostForm.Get("Timeout"))
		assert.Equal(t, "50", r.PostForm.Get("Quality"))
		assert.Equal(t, "lic", r.PostForm.Get("licstr"))
		assert.Equal(t, "ISO", r.PostForm.Get("templateFormat"))
		assert.Equal(t, "2.25", r.PostForm.Get("imageWSQRate"))
		writeJSON(w, map[string]any{"ErrorCode": 0, "TemplateBase64": "dGVtcGxhdGU=", "ImageQuality": 81})
	})

	sample, err := c.Capture(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dGVtcGxhdGU=", sample.Template)
	assert.Equal(t, 81, sample.Quality)
}

func TestCaptureMapsDeviceCodes(t *testing.T) {
	cases := []struct {
		code int
		kind error
		msg  string
	}{
		{53, ErrServiceUnavailable, "Device not found"},
		{54, ErrCaptureTimeout, "Fingerprint image capture timeout"},
		{57, ErrCaptureQuality, "Wrong image"},
		{59, ErrProtocol, "Device busy"},
		{9999, ErrProtocol, "Unknown error code"},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"ErrorCode": tc.code})
		})
		_, err := c.Capture(context.Background(), time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.kind, "code %d", tc.code)
		assert.Contains(t, err.Error(), tc.msg)
	}
}

func TestCaptureWithoutTemplateIsProtocolError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ErrorCode": 0})
	})
	_, err := c.Capture(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMalformedBodyIsProtocolError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})
	_, err := c.Compare(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrProtocol)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Retryable())
}

func TestCompareReturnsScore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, matchPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "AAA", r.PostForm.Get("Template1"))
		assert.Equal(t, "BBB", r.PostForm.Get("Template2"))
		writeJSON(w, map[string]any{"ErrorCode": 0, "MatchingScore": 142})
	})
	score, err := c.Compare(context.Background(), "AAA", "BBB")
	require.NoError(t, err)
	assert.Equal(t, 142, score)
}

func TestCaptureWithoutAnswerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	c := New(Options{BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Capture(ctx, time.Second)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.NotErrorIs(t, err, ErrCaptureTimeout)
}

func TestCompareMissingScore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ErrorCode": 0})
	})
	_, err := c.Compare(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestCheckAvailable(t *testing.T) {
	t.Run("device reachable but no finger", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"ErrorCode": 54})
		})
		assert.NoError(t, c.CheckAvailable(context.Background()))
	})

	t.Run("device missing", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"ErrorCode": 55})
		})
		err := c.CheckAvailable(context.Background())
		assert.ErrorIs(t, err, ErrServiceUnavailable)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.False(t, e.Retryable())
	})

	t.Run("service accepts but never answers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		t.Cleanup(srv.Close)
		c := New(Options{BaseURL: srv.URL, ProbeTimeout: 50 * time.Millisecond})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.CheckAvailable(ctx), ErrServiceUnavailable)
	})

	t.Run("http failure", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		assert.ErrorIs(t, c.CheckAvailable(context.Background()), ErrServiceUnavailable)
	})

	t.Run("service down", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := New(Options{BaseURL: srv.URL})
		assert.ErrorIs(t, c.CheckAvailable(context.Background()), ErrServiceUnavailable)
	})
}

func TestCallsAreSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		writeJSON(w, map[string]any{"ErrorCode": 0, "MatchingScore": 1})
	})

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = c.Compare(context.Background(), "a", "b")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}
