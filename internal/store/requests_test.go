package store

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengweih001/chromium-bidi/internal/urlpattern"
)

func TestComputeHeadersSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ComputeHeadersSize(nil))
	assert.Equal(t, len("A: B\r\n"), ComputeHeadersSize([]Header{StringHeader("A", "B")}))
	assert.Equal(t,
		len("Content-Type: text/html\r\n")+len("X: \r\n"),
		ComputeHeadersSize([]Header{
			StringHeader("Content-Type", "text/html"),
			StringHeader("X", ""),
		}))
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	// bidi → cdp → bidi is the identity on string-typed values, order
	// preserved, duplicates allowed.
	in := []Header{
		StringHeader("Set-Cookie", "a=1"),
		StringHeader("Set-Cookie", "b=2"),
		StringHeader("X-Empty", ""),
	}
	entries, perr := HeadersToEntries(in)
	require.Nil(t, perr)
	out := HeadersFromEntries(entries)
	assert.Equal(t, in, out)
}

func TestHeadersBase64(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte("raw-bytes"))
	entries, perr := HeadersToEntries([]Header{
		{Name: "X-Bin", Value: HeaderValue{Type: "base64", Value: encoded}},
	})
	require.Nil(t, perr)
	require.Len(t, entries, 1)
	assert.Equal(t, "raw-bytes", entries[0].Value)

	_, perr = HeadersToEntries([]Header{
		{Name: "X-Bin", Value: HeaderValue{Type: "base64", Value: "!!!"}},
	})
	require.NotNil(t, perr)
	assert.Equal(t, "invalid argument", string(perr.Code))
}

func TestHeadersFromCDP(t *testing.T) {
	t.Parallel()

	headers := HeadersFromCDP(network.Headers{
		"b": "2",
		"a": "1",
	})
	// Map input is sorted for a stable order; values are string-typed.
	require.Len(t, headers, 2)
	assert.Equal(t, StringHeader("a", "1"), headers[0])
	assert.Equal(t, StringHeader("b", "2"), headers[1])
}

func TestTiming(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 42.0, Timing(42.9))
	assert.Equal(t, 0.0, Timing(-1))
	assert.Equal(t, 0.0, Timing(math.NaN()))
	assert.Equal(t, 0.0, Timing(math.Inf(1)))
	assert.Equal(t, 0.0, TimingPtr(nil))
	v := 7.5
	assert.Equal(t, 7.0, TimingPtr(&v))
}

func TestRequestPhaseProgression(t *testing.T) {
	t.Parallel()

	s := NewNetworkStore()
	r := s.Add(&Request{ID: "R1", Context: "CTX", URL: "https://a/"})
	assert.Equal(t, PhaseBeforeRequestSent, r.Phase())

	require.Nil(t, r.Advance(PhaseResponseStarted))
	require.Nil(t, r.Advance(PhaseAuthRequired))
	// authRequired may repeat while credentials are retried.
	require.Nil(t, r.Advance(PhaseAuthRequired))
	require.Nil(t, r.Advance(PhaseResponseCompleted))

	// Phases never move backwards.
	perr := r.Advance(PhaseBeforeRequestSent)
	require.NotNil(t, perr)
	assert.Equal(t, "invalid argument", string(perr.Code))
}

func TestRequestRedirectCount(t *testing.T) {
	t.Parallel()

	s := NewNetworkStore()
	s.Add(&Request{ID: "R1", Context: "CTX", URL: "https://a/"})
	r := s.Add(&Request{ID: "R1", Context: "CTX", URL: "https://b/"})
	assert.Equal(t, int64(1), r.RedirectCount)
	assert.Equal(t, PhaseBeforeRequestSent, r.Phase())
}

func TestRequestBlockResolve(t *testing.T) {
	t.Parallel()

	s := NewNetworkStore()
	r := s.Add(&Request{ID: "R1", Context: "CTX", URL: "https://a/"})
	r.Block(PhaseBeforeRequestSent, fetch.RequestID("F1"), []string{"I1"})

	blocked, perr := s.GetBlocked("R1")
	require.Nil(t, perr)
	assert.Equal(t, PhaseBeforeRequestSent, blocked.BlockedPhase)
	assert.Equal(t, []string{"I1"}, blocked.Intercepts)

	require.Nil(t, r.Resolve())

	// Double resolution is rejected.
	perr = r.Resolve()
	require.NotNil(t, perr)
	assert.Equal(t, "invalid argument", string(perr.Code))

	_, perr = s.GetBlocked("R1")
	require.NotNil(t, perr)
	assert.Equal(t, "invalid argument", string(perr.Code))

	_, perr = s.GetBlocked("missing")
	require.NotNil(t, perr)
	assert.Equal(t, "no such request", string(perr.Code))
}

func TestNetworkStoreRemoveByContext(t *testing.T) {
	t.Parallel()

	s := NewNetworkStore()
	s.Add(&Request{ID: "R1", Context: "A"})
	s.Add(&Request{ID: "R2", Context: "A"})
	s.Add(&Request{ID: "R3", Context: "B"})

	removed := s.RemoveByContext("A")
	assert.Len(t, removed, 2)
	_, ok := s.Remove("R3")
	assert.True(t, ok)
	_, perr := s.Get("R1")
	assert.NotNil(t, perr)
}

func TestInterceptMatching(t *testing.T) {
	t.Parallel()

	s := NewInterceptStore()
	assert.True(t, s.Empty())

	pat, err := urlpattern.ParseString("https://a/")
	require.NoError(t, err)
	i := s.Add([]RequestPhase{PhaseBeforeRequestSent}, []*urlpattern.Pattern{pat}, nil)

	ids := s.Match(PhaseBeforeRequestSent, "https://a/", "top")
	assert.Equal(t, []string{i.ID}, ids)

	// Wrong phase and non-matching URL produce no hits.
	assert.Empty(t, s.Match(PhaseResponseStarted, "https://a/", "top"))
	assert.Empty(t, s.Match(PhaseBeforeRequestSent, "https://b/", "top"))

	// A context filter restricts matches to the listed top-levels.
	scoped := s.Add([]RequestPhase{PhaseBeforeRequestSent}, nil, []string{"other"})
	assert.NotContains(t, s.Match(PhaseBeforeRequestSent, "https://a/", "top"), scoped.ID)
	assert.Contains(t, s.Match(PhaseBeforeRequestSent, "https://a/", "other"), scoped.ID)

	require.Nil(t, s.Remove(i.ID))
	perr := s.Remove(i.ID)
	require.NotNil(t, perr)
	assert.Equal(t, "no such intercept", string(perr.Code))

	assert.ElementsMatch(t, []RequestPhase{PhaseBeforeRequestSent}, s.Phases())
}
