// Package deferral rewrites stylesheet link tags so the full stylesheet loads
// after first paint when critical CSS is inlined for the page.
package deferral

import "strings"

// Tag is one stylesheet link tag as enqueued by the content system.
type Tag struct {
	HTML   string `json:"html"`
	Handle string `json:"handle"`
	Href   string `json:"href"`
	Media  string `json:"media"`
}

// Rewrite returns tagHTML with the stylesheet deferred, or unchanged.
//
// A tag is deferred only when the page has critical CSS, its media is not
// already "print", and its handle is not in exclusions. Deferring swaps the
// media attribute for media='print' with an onload handler that restores the
// original media, and appends a <noscript> copy of the original tag. A tag
// whose media attribute cannot be found is left unchanged so the stylesheet is
// never loaded twice.
func Rewrite(tagHTML, handle, href, media string, hasCriticalCSS bool, exclusions []string) string {
	if !hasCriticalCSS || media == "print" || excluded(handle, exclusions) {
		return tagHTML
	}

	single := "media='" + media + "'"
	double := `media="` + media + `"`

	var deferred string
	switch {
	case strings.Contains(tagHTML, single):
		deferred = strings.ReplaceAll(tagHTML, single, `media='print' onload='this.media="`+media+`"'`)
	case strings.Contains(tagHTML, double):
		deferred = strings.ReplaceAll(tagHTML, double, `media="print" onload="this.media='`+media+`'"`)
	default:
		return tagHTML
	}

	return deferred + "<noscript>" + tagHTML + "</noscript>"
}

// RewriteTag applies Rewrite to a Tag.
func RewriteTag(tag Tag, hasCriticalCSS bool, exclusions []string) string {
	return Rewrite(tag.HTML, tag.Handle, tag.Href, tag.Media, hasCriticalCSS, exclusions)
}

func excluded(handle string, exclusions []string) bool {
	for _, ex := range exclusions {
		if ex = strings.TrimSpace(ex); ex != "" && ex == handle {
			return true
		}
	}
	return false
}
