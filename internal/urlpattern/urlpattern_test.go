package urlpattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringPattern(t *testing.T) {
	t.Parallel()

	p, err := ParseString("https://example.test/test?query")
	require.NoError(t, err)

	assert.True(t, p.Matches("https://example.test/test?query"))
	assert.False(t, p.Matches("https://example2.test/test?query"))
	assert.False(t, p.Matches("https://example.test/test?other"))
	assert.False(t, p.Matches("https://example.test/other?query"))
	assert.False(t, p.Matches("http://example.test/test?query"))
}

func TestStringPatternDefaults(t *testing.T) {
	t.Parallel()

	// A pattern without a query matches only URLs without a query.
	p, err := ParseString("https://example.test/")
	require.NoError(t, err)
	assert.True(t, p.Matches("https://example.test/"))
	assert.True(t, p.Matches("https://example.test"))
	assert.True(t, p.Matches("https://example.test:443/"))
	assert.False(t, p.Matches("https://example.test/?q"))
	assert.False(t, p.Matches("https://example.test/path"))

	// Hostname comparison is case-insensitive.
	p, err = ParseString("https://EXAMPLE.test/")
	require.NoError(t, err)
	assert.True(t, p.Matches("https://example.TEST/"))

	// Explicit non-default port must be present in the URL.
	p, err = ParseString("https://example.test:8443/")
	require.NoError(t, err)
	assert.True(t, p.Matches("https://example.test:8443/"))
	assert.False(t, p.Matches("https://example.test/"))
}

func TestStringPatternInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseString("not a url")
	assert.Error(t, err)
	_, err = ParseString("/relative/path")
	assert.Error(t, err)
}

func TestStructuredPattern(t *testing.T) {
	t.Parallel()

	// No fields: any protocol, host or port, but pathname defaulting only
	// admits the root path and search defaulting only empty queries.
	p, err := ParseFields(nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, p.Matches("https://web-platform.test/"))
	assert.True(t, p.Matches("http://other.test"))
	assert.True(t, p.Matches("http://other.test:8080/"))
	assert.False(t, p.Matches("https://web-platform.test/?search"))
	assert.False(t, p.Matches("http://other.test/deep/path"))

	// search "" matches only empty queries.
	empty := ""
	p, err = ParseFields(nil, nil, nil, nil, &empty)
	require.NoError(t, err)
	assert.False(t, p.Matches("https://web-platform.test/?search"))
	assert.True(t, p.Matches("https://web-platform.test/"))

	// Hostname is case-insensitive.
	host := "WEB-PLATFORM.TEST"
	p, err = ParseFields(nil, &host, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, p.Matches("https://web-platform.test/"))
	assert.False(t, p.Matches("https://example.test/"))

	// Present fields must all match; the absent search still requires an
	// empty query.
	proto := "https"
	path := "/a"
	p, err = ParseFields(&proto, &host, nil, &path, nil)
	require.NoError(t, err)
	assert.True(t, p.Matches("https://web-platform.test/a"))
	assert.False(t, p.Matches("https://web-platform.test/a?x=1"))
	assert.False(t, p.Matches("http://web-platform.test/a"))
	assert.False(t, p.Matches("https://web-platform.test/b"))

	// An explicit search alongside pathname admits that query.
	query := "x=1"
	p, err = ParseFields(&proto, &host, nil, &path, &query)
	require.NoError(t, err)
	assert.True(t, p.Matches("https://web-platform.test/a?x=1"))
	assert.False(t, p.Matches("https://web-platform.test/a"))

	// Port folds the scheme default.
	port := "443"
	p, err = ParseFields(nil, nil, &port, nil, nil)
	require.NoError(t, err)
	assert.True(t, p.Matches("https://web-platform.test/"))
	assert.True(t, p.Matches("https://web-platform.test:443/"))
	assert.False(t, p.Matches("https://web-platform.test:8443/"))
}

func TestStructuredPatternInvalid(t *testing.T) {
	t.Parallel()

	bad := "host/with/path"
	_, err := ParseFields(nil, &bad, nil, nil, nil)
	assert.Error(t, err)

	empty := ""
	_, err = ParseFields(&empty, nil, nil, nil, nil)
	assert.Error(t, err)
}
