package mapper

import (
	"context"
	"strings"
	"time"

	chromecdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdpstorage "github.com/chromedp/cdproto/storage"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

// resolvePartition maps the BiDi partition parameter (a browsing context id
// or a storageKey descriptor) to a CDP browser context id. The empty string
// addresses the default user context.
func (m *Mapper) resolvePartition(p protocol.Params) (string, *protocol.Error) {
	if !p.Has("partition") {
		return "", nil
	}
	if contextID, ok := p.String("partition"); ok {
		c, perr := m.contexts.Get(contextID)
		if perr != nil {
			return "", perr
		}
		uc, perr := m.userContexts.Get(c.UserContext)
		if perr != nil {
			return "", perr
		}
		return uc.CDPBrowserContext, nil
	}
	descriptor, _ := p.Object("partition")
	if userContext, ok := descriptor.String("userContext"); ok {
		uc, perr := m.userContexts.Get(userContext)
		if perr != nil {
			return "", perr
		}
		return uc.CDPBrowserContext, nil
	}
	return "", nil
}

// cookieToBiDi converts a CDP cookie into its BiDi representation.
func cookieToBiDi(c *network.Cookie) map[string]interface{} {
	out := map[string]interface{}{
		"name":     c.Name,
		"value":    store.HeaderValue{Type: "string", Value: c.Value},
		"domain":   c.Domain,
		"path":     c.Path,
		"size":     c.Size,
		"httpOnly": c.HTTPOnly,
		"secure":   c.Secure,
		"sameSite": strings.ToLower(string(c.SameSite)),
	}
	if c.Expires > 0 {
		out["expiry"] = int64(c.Expires)
	}
	return out
}

// cookieFilterMatches applies the optional filter of getCookies and
// deleteCookies.
func cookieFilterMatches(filter protocol.Params, c *network.Cookie) bool {
	if filter == nil {
		return true
	}
	if name, ok := filter.String("name"); ok && name != c.Name {
		return false
	}
	if domain, ok := filter.String("domain"); ok && domain != c.Domain {
		return false
	}
	if path, ok := filter.String("path"); ok && path != c.Path {
		return false
	}
	return true
}

func (m *Mapper) fetchCookies(ctx context.Context, browserContext string) ([]*network.Cookie, *protocol.Error) {
	action := cdpstorage.GetCookies()
	if browserContext != "" {
		action = action.WithBrowserContextID(browserContextID(browserContext))
	}
	var res struct {
		Cookies []*network.Cookie `json:"cookies"`
	}
	if err := m.cdp.Send(ctx, "", cdpstorage.CommandGetCookies, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return res.Cookies, nil
}

func (m *Mapper) storageGetCookies(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	browserContext, perr := m.resolvePartition(p)
	if perr != nil {
		return nil, perr
	}
	cookies, perr := m.fetchCookies(ctx, browserContext)
	if perr != nil {
		return nil, perr
	}
	filter, _ := p.Object("filter")

	out := []interface{}{}
	for _, c := range cookies {
		if cookieFilterMatches(filter, c) {
			out = append(out, cookieToBiDi(c))
		}
	}
	return map[string]interface{}{
		"cookies":      out,
		"partitionKey": map[string]interface{}{},
	}, nil
}

func (m *Mapper) storageSetCookie(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	browserContext, perr := m.resolvePartition(p)
	if perr != nil {
		return nil, perr
	}
	cookie, _ := p.Object("cookie")
	name, _ := cookie.String("name")
	domain, _ := cookie.String("domain")
	value, _ := cookie.Object("value")
	valueType, _ := value.String("type")
	if valueType != "string" {
		return nil, protocol.InvalidArgument("params.cookie.value.type: only string cookies are supported")
	}
	valueStr, _ := value.String("value")

	param := &network.CookieParam{
		Name:   name,
		Value:  valueStr,
		Domain: domain,
	}
	if path, ok := cookie.String("path"); ok {
		param.Path = path
	}
	if secure, ok := cookie.Bool("secure"); ok {
		param.Secure = secure
	}
	if httpOnly, ok := cookie.Bool("httpOnly"); ok {
		param.HTTPOnly = httpOnly
	}
	if sameSite, ok := cookie.String("sameSite"); ok {
		switch sameSite {
		case "strict":
			param.SameSite = network.CookieSameSiteStrict
		case "lax":
			param.SameSite = network.CookieSameSiteLax
		case "none":
			param.SameSite = network.CookieSameSiteNone
		default:
			return nil, protocol.InvalidArgument("params.cookie.sameSite: %q is not valid", sameSite)
		}
	}
	if expiry, ok := cookie.Number("expiry"); ok {
		t := chromecdp.TimeSinceEpoch(time.Unix(int64(expiry), 0))
		param.Expires = &t
	}

	action := cdpstorage.SetCookies([]*network.CookieParam{param})
	if browserContext != "" {
		action = action.WithBrowserContextID(browserContextID(browserContext))
	}
	if err := m.cdp.Send(ctx, "", cdpstorage.CommandSetCookies, action, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{"partitionKey": map[string]interface{}{}}, nil
}

// storageDeleteCookies clears the partition's cookie jar and restores the
// cookies the filter did not match.
func (m *Mapper) storageDeleteCookies(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	browserContext, perr := m.resolvePartition(p)
	if perr != nil {
		return nil, perr
	}
	cookies, perr := m.fetchCookies(ctx, browserContext)
	if perr != nil {
		return nil, perr
	}
	filter, _ := p.Object("filter")

	var keep []*network.CookieParam
	for _, c := range cookies {
		if cookieFilterMatches(filter, c) {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			t := chromecdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			param.Expires = &t
		}
		keep = append(keep, param)
	}

	clearAction := cdpstorage.ClearCookies()
	if browserContext != "" {
		clearAction = clearAction.WithBrowserContextID(browserContextID(browserContext))
	}
	if err := m.cdp.Send(ctx, "", cdpstorage.CommandClearCookies, clearAction, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	if len(keep) > 0 {
		restore := cdpstorage.SetCookies(keep)
		if browserContext != "" {
			restore = restore.WithBrowserContextID(browserContextID(browserContext))
		}
		if err := m.cdp.Send(ctx, "", cdpstorage.CommandSetCookies, restore, nil); err != nil {
			return nil, protocol.UnknownError(err)
		}
	}
	return map[string]interface{}{"partitionKey": map[string]interface{}{}}, nil
}
