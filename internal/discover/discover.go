// Package discover walks a code's table of contents and enumerates
// every section it contains (stage 1).
package discover

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// sectionNumberRx matches TOC entries like "1.", "1.5." or "1798.24a.".
// Anything else in an h6 is a heading, not a section.
var sectionNumberRx = regexp.MustCompile(`^(\d+(?:\.\d+)?[a-z]?)\.?$`)

// Discoverer enumerates the sections of a code from its architecture
// page and persists skeleton records for the extraction engine.
type Discoverer struct {
	fetcher  pipeline.Fetcher
	sections pipeline.SectionStore
	codes    pipeline.CodeStore
	clock    pipeline.Clock
	logger   *zap.Logger
	baseURL  string
}

// New builds a Discoverer. baseURL is the site root without a trailing
// slash, e.g. "https://leginfo.legislature.ca.gov/faces".
func New(
	fetcher pipeline.Fetcher,
	sections pipeline.SectionStore,
	codes pipeline.CodeStore,
	clock pipeline.Clock,
	logger *zap.Logger,
	baseURL string,
) *Discoverer {
	return &Discoverer{
		fetcher:  fetcher,
		sections: sections,
		codes:    codes,
		clock:    clock,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Result summarizes one discovery run.
type Result struct {
	Code          string `json:"code"`
	URL           string `json:"url"`
	TextPages     int    `json:"text_pages"`
	TotalSections int    `json:"total_sections"`
	NewSections   int    `json:"new_sections"`
}

// Crawl fetches the architecture page for code, follows every text page
// it links to, collects the section numbers listed there and bulk
// upserts skeleton Section records. Text pages that fail to fetch are
// logged and skipped; discovery proceeds with what it can reach.
func (d *Discoverer) Crawl(ctx context.Context, code string) (Result, error) {
	code = strings.ToUpper(code)
	archURL := d.ArchitectureURL(code)
	result := Result{Code: code, URL: archURL}

	started := d.clock.Now()
	if err := d.codes.UpsertCode(ctx, pipeline.Code{Code: code, URL: archURL}); err != nil {
		return result, fmt.Errorf("upsert code %s: %w", code, err)
	}
	if err := d.codes.UpdateCode(ctx, code, pipeline.CodeUpdate{Stage1Started: &started}); err != nil {
		return result, fmt.Errorf("mark stage 1 started for %s: %w", code, err)
	}

	d.logger.Info("starting discovery",
		zap.String("code", code),
		zap.String("url", archURL))

	page, err := d.fetcher.Fetch(ctx, archURL)
	if err != nil {
		return result, fmt.Errorf("fetch architecture page for %s: %w", code, err)
	}

	textPages, err := textPageURLs(page.SourceURL, page.Content)
	if err != nil {
		return result, fmt.Errorf("parse architecture page for %s: %w", code, err)
	}
	result.TextPages = len(textPages)
	d.logger.Info("found text pages",
		zap.String("code", code),
		zap.Int("count", len(textPages)))

	seen := make(map[string]struct{})
	var all []pipeline.Section
	for _, textURL := range textPages {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("discovery canceled: %w", err)
		}

		sections, err := d.sectionsFromTextPage(ctx, code, textURL)
		if err != nil {
			d.logger.Warn("text page skipped",
				zap.String("url", textURL),
				zap.Error(err))
			continue
		}
		for _, s := range sections {
			if _, ok := seen[s.Number]; ok {
				continue
			}
			seen[s.Number] = struct{}{}
			all = append(all, s)
		}
	}
	result.TotalSections = len(all)
	metrics.ObserveDiscovered(code, len(all))

	inserted, err := d.sections.BulkUpsertSections(ctx, all)
	if err != nil {
		return result, fmt.Errorf("persist discovered sections for %s: %w", code, err)
	}
	result.NewSections = inserted

	finished := d.clock.Now()
	completed := true
	total := len(all)
	err = d.codes.UpdateCode(ctx, code, pipeline.CodeUpdate{
		TotalSections:   &total,
		Stage1Completed: &completed,
		Stage1Finished:  &finished,
	})
	if err != nil {
		return result, fmt.Errorf("mark stage 1 finished for %s: %w", code, err)
	}

	d.logger.Info("discovery complete",
		zap.String("code", code),
		zap.Int("sections", len(all)),
		zap.Int("new", inserted),
		zap.Duration("elapsed", finished.Sub(started)))
	return result, nil
}

// ArchitectureURL returns the expanded table-of-contents URL for a code.
func (d *Discoverer) ArchitectureURL(code string) string {
	return fmt.Sprintf("%s/codedisplayexpand.xhtml?tocCode=%s", d.baseURL, code)
}

// SectionURL returns the canonical display URL for a single section.
func (d *Discoverer) SectionURL(code, section string) string {
	return fmt.Sprintf("%s/codes_displaySection.xhtml?lawCode=%s&sectionNum=%s", d.baseURL, code, section)
}

// sectionsFromTextPage fetches one division/part/chapter page and
// returns the sections listed on it, with the hierarchy carried in the
// page URL attached to each.
func (d *Discoverer) sectionsFromTextPage(ctx context.Context, code, textURL string) ([]pipeline.Section, error) {
	page, err := d.fetcher.Fetch(ctx, textURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Content))
	if err != nil {
		return nil, fmt.Errorf("parse text page: %w", err)
	}

	h := hierarchyFromURL(textURL)
	seen := make(map[string]struct{})
	var sections []pipeline.Section

	collect := func(text string) {
		m := sectionNumberRx.FindStringSubmatch(strings.TrimSpace(text))
		if m == nil {
			return
		}
		num := m[1]
		if _, ok := seen[num]; ok {
			return
		}
		seen[num] = struct{}{}
		sections = append(sections, pipeline.Section{
			Code:     code,
			Number:   num,
			URL:      d.SectionURL(code, num),
			Division: h.division,
			Part:     h.part,
			Chapter:  h.chapter,
			Article:  h.article,
		})
	}

	doc.Find("h6").Each(func(_ int, h6 *goquery.Selection) {
		collect(h6.Text())
		h6.Find("a").Each(func(_ int, a *goquery.Selection) {
			collect(a.Text())
		})
	})

	return sections, nil
}

// textPageURLs returns the absolute URLs of every division/part/chapter
// text page linked from the architecture page, in document order and
// deduplicated.
func textPageURLs(pageURL, content string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	seen := make(map[string]struct{})
	var urls []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, "codes_displayText.xhtml") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		urls = append(urls, abs)
	})
	return urls, nil
}

type hierarchy struct {
	division string
	part     string
	chapter  string
	article  string
}

// hierarchyFromURL pulls the division/part/chapter/article labels out
// of a text page's query string. Absent parameters stay empty.
func hierarchyFromURL(textURL string) hierarchy {
	u, err := url.Parse(textURL)
	if err != nil {
		return hierarchy{}
	}
	q := u.Query()
	return hierarchy{
		division: q.Get("division"),
		part:     q.Get("part"),
		chapter:  q.Get("chapter"),
		article:  q.Get("article"),
	}
}
