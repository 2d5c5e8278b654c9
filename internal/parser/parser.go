// Package parser extracts statutory text from leginfo HTML pages.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Parser is a stateless HTML parser for section pages, version selector
// pages, and print views. It implements pipeline.Classifier.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

var (
	historyPrefixes = []string{"Amended by", "Enacted by", "Repealed", "Added by"}
	statsActions    = []string{"Amended", "Enacted", "Repealed", "Added", "amended", "enacted", "repealed", "added"}

	whitespaceRx     = regexp.MustCompile(`\s+`)
	sectionNumRx     = regexp.MustCompile(`sectionNum=([^&]+)`)
	nodeTreePathRx   = regexp.MustCompile(`nodeTreePath=([^&]+)`)
	onclickVersionRx = regexp.MustCompile(`mojarra\.jsfcljs`)

	operativeDateRxs = []*regexp.Regexp{
		regexp.MustCompile(`[Ee]ffective\s+([A-Z][a-z]+\s+\d{1,2},\s+\d{4})`),
		regexp.MustCompile(`[Oo]perative\s+([A-Z][a-z]+\s+\d{1,2},\s+\d{4})`),
		regexp.MustCompile(`[Rr]epealed\s+(?:as\s+of\s+)?([A-Z][a-z]+\s+\d{1,2},\s+\d{4})`),
	}
)

// IsMultiVersion reports whether a fetched page is the version selector
// rather than section text. Sections with multiple operative versions
// redirect to selectFromMultiples.xhtml.
func (p *Parser) IsMultiVersion(sourceURL, content string) bool {
	return strings.Contains(strings.ToLower(sourceURL), "selectfrommultiples") ||
		strings.Contains(strings.ToLower(content), "selectfrommultiples")
}

// ExtractSection pulls the body text and legislative history for one
// section out of a page. The body is the text of the paragraphs under
// the section's h6 header, up to the next header. History candidates
// are parenthesized "(Amended by ... Stats. ...)" paragraphs and <i>
// elements; the last candidate is the section-specific one and wins.
// An empty body means the section was not found (possibly repealed).
func (p *Parser) ExtractSection(content, section string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", ""
	}

	header := findSectionHeader(doc, section)
	if header == nil {
		return "", ""
	}

	var parts []string
	var candidates []string

	header.NextUntil("h5, h6").Each(func(_ int, sel *goquery.Selection) {
		if !sel.Is("p") {
			return
		}
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		if isHistoryParagraph(text) {
			candidates = append(candidates, cleanHistory(text))
			return
		}
		parts = append(parts, text)
	})

	// <i> elements carry the full citation on some page layouts.
	doc.Find("i").Each(func(_ int, sel *goquery.Selection) {
		if h := historyFromItalic(sel.Text()); h != "" {
			candidates = append(candidates, h)
		}
	})

	history := ""
	if len(candidates) > 0 {
		history = candidates[len(candidates)-1]
	}

	return strings.Join(parts, "\n\n"), history
}

// findSectionHeader locates the h6 whose text is the bare section
// number, falling back to the first h6 on single-section pages.
func findSectionHeader(doc *goquery.Document, section string) *goquery.Selection {
	headerRx := regexp.MustCompile(`^\s*` + regexp.QuoteMeta(section) + `\.?\s*$`)

	var match *goquery.Selection
	headers := doc.Find("h6")
	headers.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if headerRx.MatchString(sel.Text()) {
			match = sel
			return false
		}
		return true
	})
	if match != nil {
		return match
	}
	if headers.Length() > 0 {
		return headers.First()
	}
	return nil
}

func isHistoryParagraph(text string) bool {
	if !strings.HasPrefix(text, "(") {
		return false
	}
	for _, prefix := range historyPrefixes {
		if strings.Contains(text, prefix) {
			return true
		}
	}
	return false
}

func historyFromItalic(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "Stats.") {
		return ""
	}
	for _, action := range statsActions {
		if strings.Contains(text, action) {
			return cleanHistory(text)
		}
	}
	return ""
}

func cleanHistory(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "(")
	text = strings.TrimSuffix(text, ")")
	return whitespaceRx.ReplaceAllString(strings.TrimSpace(text), " ")
}

// PrintViewHistory extracts the most recent legislative citation from a
// print-view page. Print views list the full citation chain in <i>
// elements; the last one is the latest action.
func (p *Parser) PrintViewHistory(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var candidates []string
	doc.Find("i").Each(func(_ int, sel *goquery.Selection) {
		if h := historyFromItalic(sel.Text()); h != "" {
			candidates = append(candidates, h)
		}
	})
	if len(candidates) == 0 {
		return ""
	}
	return candidates[len(candidates)-1]
}

// OperativeDate parses an operative date out of a version description,
// e.g. "Amended ... Effective January 1, 2025." returns
// "January 1, 2025". Returns "" when the description names no date.
func OperativeDate(description string) string {
	for _, rx := range operativeDateRxs {
		if m := rx.FindStringSubmatch(description); m != nil {
			return m[1]
		}
	}
	return ""
}

// VersionStatusAt derives a version's status from its operative date.
// Versions without a parseable date are treated as current.
func VersionStatusAt(operativeDate string, now time.Time) pipeline.VersionStatus {
	if operativeDate == "" {
		return pipeline.VersionCurrent
	}
	t, err := time.Parse("January 2, 2006", operativeDate)
	if err != nil {
		return pipeline.VersionCurrent
	}
	if t.After(now) {
		return pipeline.VersionFuture
	}
	return pipeline.VersionHistorical
}

// VersionLink is one selectable version on a selector page.
type VersionLink struct {
	Description string
	URL         string
	Params      map[string]string
}

var onclickParamRxs = map[string]*regexp.Regexp{
	"lawCode":      regexp.MustCompile(`'lawCode':'([^']+)'`),
	"sectionNum":   regexp.MustCompile(`'sectionNum':'([^']+)'`),
	"op_statues":   regexp.MustCompile(`'op_statues':'([^']+)'`),
	"op_chapter":   regexp.MustCompile(`'op_chapter':'([^']+)'`),
	"op_section":   regexp.MustCompile(`'op_section':'([^']+)'`),
	"nodeTreePath": regexp.MustCompile(`'nodeTreePath':'([^']+)'`),
}

// ParseVersionLinks pulls version links out of the raw selector page
// HTML. The selector posts back via mojarra.jsfcljs onclick handlers;
// the operative-version parameters embedded there let each version be
// fetched by direct URL instead.
func (p *Parser) ParseVersionLinks(content, baseURL, code, section string) ([]VersionLink, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse selector page: %w", err)
	}

	var links []VersionLink
	doc.Find("a[onclick]").Each(func(_ int, sel *goquery.Selection) {
		onclick, _ := sel.Attr("onclick")
		if !onclickVersionRx.MatchString(onclick) {
			return
		}
		if !strings.Contains(onclick, "op_statues") || !strings.Contains(onclick, "op_chapter") {
			return
		}

		params := map[string]string{}
		for key, rx := range onclickParamRxs {
			if m := rx.FindStringSubmatch(onclick); m != nil {
				params[key] = m[1]
			}
		}
		if len(params) == 0 {
			return
		}

		links = append(links, VersionLink{
			Description: strings.TrimSpace(sel.Text()),
			URL:         buildVersionURL(baseURL, code, section, params),
			Params:      params,
		})
	})

	return links, nil
}

func buildVersionURL(baseURL, code, section string, params map[string]string) string {
	get := func(key, fallback string) string {
		if v, ok := params[key]; ok {
			return v
		}
		return fallback
	}

	parts := []string{
		"lawCode=" + get("lawCode", code),
		"sectionNum=" + get("sectionNum", section),
	}
	for _, key := range []string{"nodeTreePath", "op_statues", "op_chapter", "op_section"} {
		if v, ok := params[key]; ok {
			parts = append(parts, key+"="+v)
		}
	}

	return fmt.Sprintf("%s/codes_displaySection.xhtml?%s", strings.TrimRight(baseURL, "/"), strings.Join(parts, "&"))
}

// PrintViewURL builds the print-view URL for a section. When the
// current page URL carries a nodeTreePath, it is forwarded so the print
// view renders the same operative version.
func PrintViewURL(baseURL, code, section, currentURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if m := nodeTreePathRx.FindStringSubmatch(currentURL); m != nil {
		return fmt.Sprintf("%s/printCodeSectionContent.xhtml?sectionNum=%s.&lawCode=%s&nodeTreePath=%s", base, section, code, m[1])
	}
	return fmt.Sprintf("%s/printCodeSectionContent.xhtml?lawCode=%s&sectionNum=%s.&op=1", base, code, section)
}

// SectionNumberFromURL extracts the sectionNum query parameter.
func SectionNumberFromURL(url string) string {
	if m := sectionNumRx.FindStringSubmatch(url); m != nil {
		return strings.TrimSuffix(m[1], ".")
	}
	return ""
}
