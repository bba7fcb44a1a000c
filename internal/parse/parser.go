// Package parse implements rule-driven extraction of chapter lists and
// image URLs from source HTML.
package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/rules"
)

// Parser extracts chapter references and image URLs using a Rule.
type Parser struct {
	logger *zap.Logger
}

// New constructs a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// LatestChapter inspects only the first or last chapter link, depending
// on the rule's declared ordering, and returns its reference. The found
// flag is false when the page has no usable chapter link.
func (p *Parser) LatestChapter(rule *rules.Rule, html []byte, pageURL string) (core.ChapterRef, bool, error) {
	doc, base, err := p.load(html, pageURL)
	if err != nil {
		return core.ChapterRef{}, false, err
	}

	links := doc.Find(rule.ChapterSelector)
	if links.Length() == 0 {
		return core.ChapterRef{}, false, nil
	}

	var sel *goquery.Selection
	if rule.Order == rules.OrderDesc {
		sel = links.First()
	} else {
		sel = links.Last()
	}

	ref, ok := p.resolveRef(rule, sel, base)
	if !ok {
		return core.ChapterRef{}, false, nil
	}
	return ref, true, nil
}

// ChapterList extracts every chapter link, deduplicates by scaled-integer
// chapter key keeping the first occurrence, and sorts ascending by number.
func (p *Parser) ChapterList(rule *rules.Rule, html []byte, pageURL string) ([]core.ChapterRef, error) {
	doc, base, err := p.load(html, pageURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	var refs []core.ChapterRef
	doc.Find(rule.ChapterSelector).Each(func(_ int, sel *goquery.Selection) {
		ref, ok := p.resolveRef(rule, sel, base)
		if !ok {
			return
		}
		key := core.ChapterKey(ref.Number)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, ref)
	})

	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })
	return refs, nil
}

// ImageURLs extracts the ordered image URL list from a chapter page.
// Candidates resolve their primary attribute first, then the configured
// fallbacks; relative URLs resolve against the chapter page URL;
// duplicates collapse by final absolute URL keeping page order.
func (p *Parser) ImageURLs(rule *rules.Rule, html []byte, pageURL string) ([]string, error) {
	doc, base, err := p.load(html, pageURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var urls []string
	doc.Find(rule.ImageSelector).Each(func(_ int, sel *goquery.Selection) {
		raw := attrWithFallbacks(sel, rule.ImageAttr, rule.ImageFallbacks)
		if raw == "" {
			return
		}
		abs := resolveURL(base, raw)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		urls = append(urls, abs)
	})
	return urls, nil
}

func (p *Parser) load(html []byte, pageURL string) (*goquery.Document, *url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	return doc, base, nil
}

// resolveRef derives a chapter reference from a link element. Number
// strategies run in priority order: ancestor data attribute, URL regex,
// text regex; the first success wins. A link with no resolvable number is
// skipped with a warning.
func (p *Parser) resolveRef(rule *rules.Rule, sel *goquery.Selection, base *url.URL) (core.ChapterRef, bool) {
	href, _ := sel.Attr("href")
	abs := resolveURL(base, href)
	if abs == "" {
		p.logger.Warn("chapter link without usable href", zap.String("selector", rule.ChapterSelector))
		return core.ChapterRef{}, false
	}

	number, ok := numberFromAncestors(sel, rule.NumberAttr)
	if !ok {
		number, ok = numberFromPattern(rule.NumberFromURL, abs)
	}
	if !ok {
		number, ok = numberFromPattern(rule.NumberFromText, strings.TrimSpace(sel.Text()))
	}
	if !ok {
		p.logger.Warn("chapter link yielded no number", zap.String("url", abs))
		return core.ChapterRef{}, false
	}

	return core.ChapterRef{
		Number: number,
		URL:    abs,
		Title:  strings.TrimSpace(sel.Text()),
	}, true
}

// numberFromAncestors walks the element and its ancestor chain looking
// for the configured data attribute.
func numberFromAncestors(sel *goquery.Selection, attr string) (float64, bool) {
	if attr == "" {
		return 0, false
	}
	for node := sel; node.Length() > 0; node = node.Parent() {
		if val, ok := node.Attr(attr); ok {
			if n, err := parseNumber(val); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func numberFromPattern(re *regexp.Regexp, input string) (float64, bool) {
	if re == nil || input == "" {
		return 0, false
	}
	match := re.FindStringSubmatch(input)
	if match == nil {
		return 0, false
	}
	candidate := match[0]
	if len(match) > 1 {
		candidate = match[1]
	}
	n, err := parseNumber(candidate)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseNumber(s string) (float64, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse chapter number %q: %w", s, err)
	}
	return n, nil
}

func attrWithFallbacks(sel *goquery.Selection, primary string, fallbacks []string) string {
	if val, ok := sel.Attr(primary); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	for _, attr := range fallbacks {
		if val, ok := sel.Attr(attr); ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
