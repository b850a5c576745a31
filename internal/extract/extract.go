// Package extract applies a spider's scraper rule to fetched HTML.
//
// Supported rule keys:
//
//	follow:      CSS selector (or list of selectors) whose href attributes
//	             become new URLs to crawl
//	same_origin: keep only followed links with the page's origin key
//	item:        CSS selector; one record per match, fields evaluated inside it
//	fields:      record field name -> CSS selector; the trimmed text of the
//	             first match (or "@attr" suffix to read an attribute)
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cast"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
)

// LinkExtractor implements crawler.Extractor with goquery.
type LinkExtractor struct{}

// New returns a LinkExtractor.
func New() *LinkExtractor {
	return &LinkExtractor{}
}

// Apply parses resp as HTML and returns the extracted records and follow
// URLs. Non-HTML and non-2xx responses yield nothing.
func (LinkExtractor) Apply(rule map[string]any, resp *crawler.Response) ([]crawler.Record, []string, error) {
	if resp == nil || len(rule) == 0 || len(resp.Body) == 0 {
		return nil, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !isHTML(resp) {
		return nil, nil, nil
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse response url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html %s: %w", resp.URL, err)
	}

	records := extractRecords(doc, rule, resp.URL)

	var sameOrigin string
	if cast.ToBool(rule["same_origin"]) {
		sameOrigin = crawler.OriginKey(resp.URL)
	}
	links := followLinks(doc, base, selectors(rule["follow"]), sameOrigin)
	return records, links, nil
}

func isHTML(resp *crawler.Response) bool {
	if resp.Headers == nil {
		return true
	}
	ct := resp.Headers.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "html")
}

func selectors(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return cast.ToStringSlice(v)
	}
}

func followLinks(doc *goquery.Document, base *url.URL, sels []string, sameOrigin string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sel := range sels {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			link, ok := resolve(base, href)
			if !ok {
				return
			}
			if sameOrigin != "" && crawler.OriginKey(link) != sameOrigin {
				return
			}
			if _, dup := seen[link]; dup {
				return
			}
			seen[link] = struct{}{}
			out = append(out, link)
		})
	}
	return out
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

func extractRecords(doc *goquery.Document, rule map[string]any, pageURL string) []crawler.Record {
	fields := cast.ToStringMapString(rule["fields"])
	if len(fields) == 0 {
		return nil
	}
	itemSel := cast.ToString(rule["item"])
	if itemSel == "" {
		return []crawler.Record{buildRecord(doc.Selection, fields, pageURL)}
	}
	var out []crawler.Record
	doc.Find(itemSel).Each(func(_ int, s *goquery.Selection) {
		out = append(out, buildRecord(s, fields, pageURL))
	})
	return out
}

func buildRecord(scope *goquery.Selection, fields map[string]string, pageURL string) crawler.Record {
	rec := crawler.Record{"url": pageURL}
	for name, sel := range fields {
		sel, attr, hasAttr := strings.Cut(sel, "@")
		match := scope
		if sel = strings.TrimSpace(sel); sel != "" {
			match = scope.Find(sel)
		}
		match = match.First()
		if hasAttr {
			rec[name], _ = match.Attr(strings.TrimSpace(attr))
			continue
		}
		rec[name] = strings.TrimSpace(match.Text())
	}
	return rec
}
