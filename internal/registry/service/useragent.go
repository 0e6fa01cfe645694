package service

import (
	"strings"

	"github.com/mssola/useragent"
)

// browserName renders a User-Agent as "<browser> on <os>" for audit records.
func browserName(ua string) string {
	if ua == "" {
		return ""
	}
	parsed := useragent.New(ua)
	browser, _ := parsed.Browser()
	os := parsed.OS()
	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.TrimSpace(browser + " on " + os)
}
