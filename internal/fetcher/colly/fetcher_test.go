package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/watch"
)

func TestFetcher_Fetch_Success(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>product page</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "product page")
	require.Equal(t, watch.ProviderHTTP, resp.Provider)
	require.Equal(t, []string{"text/html"}, resp.Headers["Content-Type"])
	require.Equal(t, DesktopUserAgent, gotUA)
}

func TestFetcher_Fetch_MobileIdentity(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewMobile(5 * time.Second)
	resp, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, watch.ProviderMobileUA, resp.Provider)
	require.Equal(t, MobileUserAgent, gotUA)
}

func TestFetcher_Fetch_ErrorStatusKeepsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("access denied"))
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, string(resp.Body), "access denied")
}

func TestFetcher_Fetch_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), srv.URL, nil)
	require.Error(t, err)
}

func TestFetcher_Fetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{})
	_, err := f.Fetch(ctx, srv.URL, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
