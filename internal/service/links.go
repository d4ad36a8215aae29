package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/EDRN/biokey/internal/config"
)

// siteBase renders scheme, host, port and script prefix with no trailing slash
func siteBase(site config.SiteConfig) string {
	scheme := site.Scheme
	if scheme == "" {
		scheme = "https"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(site.Hostname)
	if site.Port != 0 && site.Port != 80 && site.Port != 443 {
		fmt.Fprintf(&b, ":%d", site.Port)
	}
	b.WriteString(strings.TrimRight(site.ScriptPrefix, "/"))
	return b.String()
}

// ResetLink builds the link a user follows to reset a password
func ResetLink(site config.SiteConfig, slug, uid, token string) string {
	return fmt.Sprintf("%s/pwreset/%s/%s/%s",
		siteBase(site), url.PathEscape(slug), url.PathEscape(uid), token)
}

// TreeURL is the public landing address of a tree
func TreeURL(site config.SiteConfig, slug string) string {
	return fmt.Sprintf("%s/%s/", siteBase(site), url.PathEscape(slug))
}
