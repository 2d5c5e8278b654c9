package discover

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/storage/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type fakeFetcher struct {
	pages   map[string]string
	failing map[string]bool
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (pipeline.FetchResult, error) {
	f.fetched = append(f.fetched, url)
	if f.failing[url] {
		return pipeline.FetchResult{}, errors.New("read timed out")
	}
	content, ok := f.pages[url]
	if !ok {
		return pipeline.FetchResult{}, errors.New("status 404: Not Found")
	}
	return pipeline.FetchResult{SourceURL: url, Content: content, StatusCode: 200}, nil
}

const base = "https://leginfo.example.gov/faces"

const archPage = `<html><body>
<div id="expandedbranchcodesid">
  <a href="/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=1.&article=">Chapter 1</a>
  <a href="/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=2.&article=1.">Chapter 2, Article 1</a>
  <a href="/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=1.&article=">Chapter 1</a>
  <a href="/faces/codesTOCSelected.xhtml?tocCode=FAM">TOC home</a>
</div>
</body></html>`

const chapterOnePage = `<html><body>
<h5>CHAPTER 1. Preliminary Provisions</h5>
<h6><a href="/faces/codes_displaySection.xhtml?lawCode=FAM&sectionNum=1.">1.</a></h6>
<p>This code shall be known as the Family Code.</p>
<h6>2.</h6>
<p>Construction provisions.</p>
<h6><a href="/faces/codes_displaySection.xhtml?lawCode=FAM&sectionNum=3.5.">3.5.</a></h6>
<p>Decimal numbered section.</p>
<h6>Not a section heading</h6>
</body></html>`

const chapterTwoPage = `<html><body>
<h5>ARTICLE 1. General</h5>
<h6>2.</h6>
<p>Duplicate of a section already seen on another page.</p>
<h6><a href="/faces/codes_displaySection.xhtml?lawCode=FAM&sectionNum=1798.24a.">1798.24a.</a></h6>
<p>Lettered suffix section.</p>
</body></html>`

func newTestDiscoverer(t *testing.T, fetcher *fakeFetcher) (*Discoverer, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}
	return New(fetcher, store, store, clock, zap.NewNop(), base), store
}

func fetcherWithPages() *fakeFetcher {
	return &fakeFetcher{
		pages: map[string]string{
			base + "/codedisplayexpand.xhtml?tocCode=FAM": archPage,
			"https://leginfo.example.gov/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=1.&article=":   chapterOnePage,
			"https://leginfo.example.gov/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=2.&article=1.": chapterTwoPage,
		},
		failing: map[string]bool{},
	}
}

func TestCrawlEnumeratesSections(t *testing.T) {
	fetcher := fetcherWithPages()
	d, store := newTestDiscoverer(t, fetcher)
	ctx := context.Background()

	result, err := d.Crawl(ctx, "fam")
	require.NoError(t, err)
	require.Equal(t, "FAM", result.Code)
	require.Equal(t, 2, result.TextPages)
	require.Equal(t, 4, result.TotalSections)
	require.Equal(t, 4, result.NewSections)

	sections, err := store.ListSections(ctx, "FAM")
	require.NoError(t, err)
	require.Len(t, sections, 4)

	sec, err := store.GetSection(ctx, "FAM", "3.5")
	require.NoError(t, err)
	require.Equal(t, base+"/codes_displaySection.xhtml?lawCode=FAM&sectionNum=3.5", sec.URL)
	require.Equal(t, "1.", sec.Division)
	require.Equal(t, "1.", sec.Chapter)
	require.Empty(t, sec.Article)
	require.False(t, sec.HasContent)

	// Lettered suffix carries the second page's hierarchy.
	sec, err = store.GetSection(ctx, "FAM", "1798.24a")
	require.NoError(t, err)
	require.Equal(t, "1.", sec.Article)
}

func TestCrawlFirstPageWinsOnDuplicates(t *testing.T) {
	fetcher := fetcherWithPages()
	d, store := newTestDiscoverer(t, fetcher)
	ctx := context.Background()

	_, err := d.Crawl(ctx, "FAM")
	require.NoError(t, err)

	// Section 2 appears on both chapter pages; the first keeps its
	// hierarchy (chapter 1, no article).
	sec, err := store.GetSection(ctx, "FAM", "2")
	require.NoError(t, err)
	require.Equal(t, "1.", sec.Chapter)
	require.Empty(t, sec.Article)
}

func TestCrawlUpdatesCodeBookkeeping(t *testing.T) {
	fetcher := fetcherWithPages()
	d, store := newTestDiscoverer(t, fetcher)
	ctx := context.Background()

	_, err := d.Crawl(ctx, "FAM")
	require.NoError(t, err)

	code, err := store.GetCode(ctx, "FAM")
	require.NoError(t, err)
	require.True(t, code.Stage1Completed)
	require.Equal(t, 4, code.TotalSections)
	require.NotNil(t, code.Stage1Started)
	require.NotNil(t, code.Stage1Finished)
	require.Contains(t, code.URL, "codedisplayexpand.xhtml?tocCode=FAM")
}

func TestCrawlSkipsFailingTextPages(t *testing.T) {
	fetcher := fetcherWithPages()
	fetcher.failing["https://leginfo.example.gov/faces/codes_displayText.xhtml?lawCode=FAM&division=1.&title=&part=1.&chapter=2.&article=1."] = true
	d, store := newTestDiscoverer(t, fetcher)
	ctx := context.Background()

	result, err := d.Crawl(ctx, "FAM")
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalSections)

	_, err = store.GetSection(ctx, "FAM", "1798.24a")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCrawlArchitectureFetchFails(t *testing.T) {
	fetcher := fetcherWithPages()
	fetcher.failing[base+"/codedisplayexpand.xhtml?tocCode=FAM"] = true
	d, _ := newTestDiscoverer(t, fetcher)

	_, err := d.Crawl(context.Background(), "FAM")
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch architecture page")
}

func TestCrawlRerunUpsertsNothingNew(t *testing.T) {
	fetcher := fetcherWithPages()
	d, _ := newTestDiscoverer(t, fetcher)
	ctx := context.Background()

	_, err := d.Crawl(ctx, "FAM")
	require.NoError(t, err)

	result, err := d.Crawl(ctx, "FAM")
	require.NoError(t, err)
	require.Equal(t, 4, result.TotalSections)
	require.Zero(t, result.NewSections)
}

func TestHierarchyFromURLDecodesPlus(t *testing.T) {
	h := hierarchyFromURL("https://x/faces/codes_displayText.xhtml?division=1.&part=2.&chapter=3.&article=First+Article")
	require.Equal(t, "1.", h.division)
	require.Equal(t, "2.", h.part)
	require.Equal(t, "3.", h.chapter)
	require.Equal(t, "First Article", h.article)
}

func TestSectionNumberPattern(t *testing.T) {
	valid := []string{"1.", "1", "1.5.", "1798.24a.", "22"}
	for _, v := range valid {
		require.True(t, sectionNumberRx.MatchString(v), v)
	}
	invalid := []string{"CHAPTER 1.", "1.5.3.", "a.", "1..", "Section 2"}
	for _, v := range invalid {
		require.False(t, sectionNumberRx.MatchString(strings.TrimSpace(v)), v)
	}
}
