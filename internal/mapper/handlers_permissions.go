package mapper

import (
	"context"

	"github.com/chromedp/cdproto/browser"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// permissionsSetPermission applies a permission state for an origin, scoped
// to a user context when one is given.
func (m *Mapper) permissionsSetPermission(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	descriptor, _ := p.Object("descriptor")
	name, _ := descriptor.String("name")
	state, _ := p.String("state")
	origin, _ := p.String("origin")

	var setting browser.PermissionSetting
	switch state {
	case "granted":
		setting = browser.PermissionSettingGranted
	case "denied":
		setting = browser.PermissionSettingDenied
	default:
		setting = browser.PermissionSettingPrompt
	}

	action := browser.SetPermission(&browser.PermissionDescriptor{Name: name}, setting).
		WithOrigin(origin)
	if userContext, ok := p.String("userContext"); ok {
		uc, perr := m.userContexts.Get(userContext)
		if perr != nil {
			return nil, perr
		}
		if uc.CDPBrowserContext != "" {
			action = action.WithBrowserContextID(browserContextID(uc.CDPBrowserContext))
		}
	}
	if err := m.cdp.Send(ctx, "", browser.CommandSetPermission, action, nil); err != nil {
		return nil, protocol.NewError(protocol.ErrUnsupportedOperation,
			"permission %q is not supported: %s", name, err.Error())
	}
	return map[string]interface{}{}, nil
}
