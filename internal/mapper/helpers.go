package mapper

import (
	chromecdp "github.com/chromedp/cdproto/cdp"
)

// Conversions between the mapper's string ids and cdproto's typed ids.

func frameID(id string) chromecdp.FrameID {
	return chromecdp.FrameID(id)
}

func browserContextID(id string) chromecdp.BrowserContextID {
	return chromecdp.BrowserContextID(id)
}
