package fileserver

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
)

// maxLocales caps how many Accept-Language entries are turned into index candidates.
const maxLocales = 5

// PreferredLocales parses an Accept-Language header and returns normalized
// locale codes in preference order (highest q first, duplicates removed).
//
// A region-specific tag is followed by its base language, so "ja-JP" yields
// both "ja-jp" and "ja". Wildcards and malformed headers are ignored.
func PreferredLocales(header string) []string {
	if header == "" {
		return nil
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var locales []string
	add := func(loc string) {
		if loc == "" || seen[loc] || len(locales) >= maxLocales {
			return
		}
		seen[loc] = true
		locales = append(locales, loc)
	}
	for _, tag := range tags {
		if !specific(tag) {
			continue
		}
		add(NormalizeLocale(tag.String()))
		base, conf := tag.Base()
		if conf != language.No {
			add(NormalizeLocale(base.String()))
		}
	}
	return locales
}

// NormalizeLocale turns a language tag into the suffix expected between
// "index" and ".html" on disk. Tags are lowercased, and regional variants
// that sites rarely translate separately fold into one file: ja-JP reads
// index.ja.html and en-US or en-GB read index.en.html. Chinese keeps its
// script split as index.zh-cn.html and index.zh-tw.html.
func NormalizeLocale(locale string) string {
	locale = strings.ToLower(locale)
	switch locale {
	case "ja-jp":
		return "ja"
	case "en-us", "en-gb":
		return "en"
	case "zh-hans", "zh-cn":
		return "zh-cn"
	case "zh-hant", "zh-tw":
		return "zh-tw"
	}
	return locale
}

// LocalizedName inserts locale before the extension of name:
// ("index.html", "ja") -> "index.ja.html".
func LocalizedName(name, locale string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "." + locale + ext
}

// IndexCandidates returns the file names to try for a directory request.
// Localized variants for each preferred locale come first, in locale order,
// followed by the plain index names.
func IndexCandidates(indexFiles, locales []string) []string {
	candidates := make([]string, 0, len(indexFiles)*(len(locales)+1))
	for _, loc := range locales {
		for _, name := range indexFiles {
			candidates = append(candidates, LocalizedName(name, loc))
		}
	}
	return append(candidates, indexFiles...)
}

// collationTag picks the language used to order listing entries.
func collationTag(header string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return language.Und
	}
	for _, tag := range tags {
		if specific(tag) {
			return tag
		}
	}
	return language.Und
}

// specific reports whether tag names a real language. The parser maps "*"
// to "mul", which is as useless for file names as "und".
func specific(tag language.Tag) bool {
	if tag == language.Und {
		return false
	}
	base, _ := tag.Base()
	return base.String() != "mul" && base.String() != "und"
}
