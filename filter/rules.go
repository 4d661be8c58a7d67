// Package filter holds the proxy modules that capture manifest URLs and
// rewrite script bodies.
package filter

import (
	"strings"
)

// Rule replaces every occurrence of Old with New
type Rule struct {
	Old string
	New string
}

// Rules is an ordered list of literal substitutions
type Rules []Rule

// Apply runs each rule over text in order and reports how many
// replacements were made in total
func (r Rules) Apply(text string) (string, int) {
	total := 0
	for _, rule := range r {
		if rule.Old == "" {
			continue
		}
		n := strings.Count(text, rule.Old)
		if n == 0 {
			continue
		}
		text = strings.ReplaceAll(text, rule.Old, rule.New)
		total += n
	}
	return text, total
}

// Quoted wraps s in double quotes
func Quoted(s string) string {
	return `"` + s + `"`
}

// AutomationProperties are property names whose presence in a page script
// reveals a driven browser
var AutomationProperties = []string{
	"webdriver",
	"__driver_evaluate",
	"__webdriver_evaluate",
	"__selenium_evaluate",
	"__fxdriver_evaluate",
	"__driver_unwrapped",
	"__webdriver_unwrapped",
	"__selenium_unwrapped",
	"__fxdriver_unwrapped",
	"_Selenium_IDE_Recorder",
	"_selenium",
	"calledSelenium",
	"_WEBDRIVER_ELEM_CACHE",
	"ChromeDriverw",
	"driver-evaluate",
	"webdriver-evaluate",
	"selenium-evaluate",
	"webdriverCommand",
	"webdriver-evaluate-response",
	"__webdriverFunc",
	"__webdriver_script_fn",
	"__$webdriverAsyncExecutor",
	"__lastWatirAlert",
	"__lastWatirConfirm",
	"__lastWatirPrompt",
	"$chrome_asyncScriptInfo",
	"$cdc_asdjflasutopfhvcZLmcfl_",
}

// MissingAttribute replaces each quoted automation property
const MissingAttribute = "NO-SUCH-ATTR"

// AntiDetectionRules hides automation properties from page scripts
func AntiDetectionRules() Rules {
	rules := make(Rules, 0, len(AutomationProperties)+2)
	for _, name := range AutomationProperties {
		rules = append(rules, Rule{Old: Quoted(name), New: Quoted(MissingAttribute)})
	}
	return append(rules,
		Rule{Old: "t.webdriver", New: "false"},
		Rule{Old: "ChromeDriver", New: ""},
	)
}

// QRCodeRules breaks the QR code renderer's block table lookup
func QRCodeRules() Rules {
	return Rules{{Old: "RS_BLOCK_TABLE", New: ""}}
}
