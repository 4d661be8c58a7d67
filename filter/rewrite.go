package filter

import (
	"strings"

	"episode-harvester/proxy"
)

// Rewrite applies Rules to the bodies of responses whose request URL
// contains URLContains
type Rewrite struct {
	Label       string
	URLContains string
	Rules       Rules
}

// NewAntiDetection rewrites every script response
func NewAntiDetection() *Rewrite {
	return &Rewrite{
		Label:       "AntiDetection",
		URLContains: ".js",
		Rules:       AntiDetectionRules(),
	}
}

// NewQRCodeNeutralizer disables the page's QR code renderer
func NewQRCodeNeutralizer() *Rewrite {
	return &Rewrite{
		Label:       "QRCodeNeutralizer",
		URLContains: "qrcode.js",
		Rules:       QRCodeRules(),
	}
}

func (r *Rewrite) Name() string {
	return r.Label
}

func (r *Rewrite) Request(f *proxy.Flow) error {
	return nil
}

func (r *Rewrite) Response(f *proxy.Flow) error {
	url := f.URL()
	if !strings.Contains(url, r.URLContains) {
		return nil
	}

	text, ok := f.Text()
	if !ok {
		return nil
	}

	rewritten, n := r.Rules.Apply(text)
	if n == 0 {
		return nil
	}
	f.SetText(rewritten)
	f.Logger.Debug("rewrote response", "module", r.Label, "url", url, "replacements", n)
	return nil
}
