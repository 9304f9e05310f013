package ingestion

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader() *WebLoader {
	return NewWebLoader(WebLoaderOptions{AllowPrivate: true, MaxPageBytes: 1 << 16})
}

func TestValidateURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/file", "example.com/page", "http://", "::bad::"} {
		_, err := ValidateURL(raw)
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}

	u, err := ValidateURL("  https://example.com/docs?page=2 ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs?page=2", u.String())
}

func TestWebLoaderConvertsMainContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Release Notes</title></head><body>
<nav>Site Menu</nav>
<main><h1>Version 2</h1><p>Adds <strong>streaming</strong> replies.</p></main>
<footer>Copyright</footer>
</body></html>`))
	}))
	defer srv.Close()

	page, err := newTestLoader().Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Release Notes", page.Title)
	assert.Contains(t, page.Markdown, "Version 2")
	assert.Contains(t, page.Markdown, "**streaming**")
	assert.NotContains(t, page.Markdown, "Site Menu")
	assert.NotContains(t, page.Markdown, "Copyright")
}

func TestWebLoaderStripsBoilerplateWithoutMain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><header>Top bar</header><script>var x = 1;</script><p>Plain body text</p></body></html>`))
	}))
	defer srv.Close()

	page, err := newTestLoader().Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page.Markdown, "Plain body text")
	assert.NotContains(t, page.Markdown, "Top bar")
	assert.NotContains(t, page.Markdown, "var x")
}

func TestWebLoaderPassesPlainTextThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("# Changelog\r\n- fixed uploads\r\n"))
	}))
	defer srv.Close()

	page, err := newTestLoader().Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Changelog", page.Title)
	assert.Equal(t, "# Changelog\n- fixed uploads", page.Markdown)
}

func TestWebLoaderRejectsUnsupportedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50})
	}))
	defer srv.Close()

	_, err := newTestLoader().Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWebLoaderSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestLoader().Load(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Contains(t, err.Error(), "404")
}

func TestWebLoaderEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	loader := NewWebLoader(WebLoaderOptions{AllowPrivate: true, MaxPageBytes: 1024})
	_, err := loader.Load(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestWebLoaderBlocksPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	loader := NewWebLoader(WebLoaderOptions{})
	_, err := loader.Load(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private address")
}

func TestIsPrivateIP(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "10.1.2.3", "172.20.0.1", "192.168.1.1", "169.254.169.254",
		"100.64.0.1", "100.127.255.254", "192.0.0.8", "198.18.0.1", "198.19.255.255",
		"0.0.0.0", "240.0.0.1", "::1", "fd00::1", "fe80::1", "::ffff:10.0.0.1",
	}
	for _, raw := range blocked {
		assert.True(t, isPrivateIP(net.ParseIP(raw)), raw)
	}

	public := []string{"93.184.216.34", "100.128.0.1", "8.8.8.8", "2606:4700:4700::1111"}
	for _, raw := range public {
		assert.False(t, isPrivateIP(net.ParseIP(raw)), raw)
	}
}
