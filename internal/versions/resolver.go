// Package versions resolves multi-version sections into their full
// version lists.
package versions

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/parser"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// VersionFetcher drives a browser through the version selector page.
type VersionFetcher interface {
	VersionDescriptions(ctx context.Context, selectorURL string) ([]string, error)
	FetchVersion(ctx context.Context, selectorURL string, index int) (html, landedURL string, err error)
	FetchPage(ctx context.Context, url string) (string, error)
}

// Resolver fetches every operative version of flagged sections and
// persists them.
type Resolver struct {
	fetcher  VersionFetcher
	parser   *parser.Parser
	sections pipeline.SectionStore
	recorder pipeline.FailureRecorder
	clock    pipeline.Clock
	logger   *zap.Logger
	baseURL  string
}

// New builds a Resolver.
func New(
	fetcher VersionFetcher,
	p *parser.Parser,
	sections pipeline.SectionStore,
	recorder pipeline.FailureRecorder,
	clock pipeline.Clock,
	logger *zap.Logger,
	baseURL string,
) *Resolver {
	return &Resolver{
		fetcher:  fetcher,
		parser:   p,
		sections: sections,
		recorder: recorder,
		clock:    clock,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// ResolveOne fetches all versions of one section and stores them. A
// version whose fetch or parse fails is skipped; the section still
// resolves as long as at least one version comes back. Expected carries
// the selector's count so callers can see partial results.
func (r *Resolver) ResolveOne(ctx context.Context, sec pipeline.Section) (pipeline.VersionResult, error) {
	result := pipeline.VersionResult{Code: sec.Code, Section: sec.Number, IsMultiVersion: true}

	selectorURL := r.selectorURL(sec)
	descriptions, err := r.fetcher.VersionDescriptions(ctx, selectorURL)
	if err != nil {
		return result, fmt.Errorf("list versions for %s: %w", sec.Identifier(), err)
	}
	result.Expected = len(descriptions)
	if len(descriptions) == 0 {
		return result, fmt.Errorf("no version links on selector page for %s", sec.Identifier())
	}

	// Direct URLs reconstructed from the selector's onclick parameters
	// back up the click-through when navigation fails. The selector page
	// is parsed at most once per section.
	var links []parser.VersionLink
	linksLoaded := false
	directFetch := func(i int) (string, string) {
		if !linksLoaded {
			linksLoaded = true
			page, err := r.fetcher.FetchPage(ctx, selectorURL)
			if err != nil {
				r.logger.Debug("selector page fetch failed",
					zap.String("section", sec.Identifier()),
					zap.Error(err))
				return "", ""
			}
			links, err = r.parser.ParseVersionLinks(page, r.baseURL, sec.Code, sec.Number)
			if err != nil {
				r.logger.Debug("selector page parse failed",
					zap.String("section", sec.Identifier()),
					zap.Error(err))
			}
		}
		if i >= len(links) {
			return "", ""
		}
		html, err := r.fetcher.FetchPage(ctx, links[i].URL)
		if err != nil {
			r.logger.Warn("direct version fetch failed",
				zap.String("url", links[i].URL),
				zap.Error(err))
			return "", ""
		}
		return html, links[i].URL
	}

	now := r.clock.Now()
	for i, description := range descriptions {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("version resolution canceled: %w", err)
		}

		html, landedAt, err := r.fetcher.FetchVersion(ctx, selectorURL, i)
		if err != nil {
			r.logger.Warn("version click-through failed",
				zap.String("section", sec.Identifier()),
				zap.Int("version", i+1),
				zap.Error(err))
			html, landedAt = directFetch(i)
			if html == "" {
				continue
			}
		}
		if n := parser.SectionNumberFromURL(landedAt); n != "" && n != sec.Number {
			r.logger.Warn("version landed on wrong section",
				zap.String("section", sec.Identifier()),
				zap.String("landed", landedAt))
			continue
		}

		body, history := r.parser.ExtractSection(html, sec.Number)
		if body == "" {
			r.logger.Warn("version page had no content",
				zap.String("section", sec.Identifier()),
				zap.Int("version", i+1))
			continue
		}
		history = r.enrichHistory(ctx, sec, landedAt, history)
		if history == "" {
			history = description
		}

		operativeDate := parser.OperativeDate(description)
		status := pipeline.VersionCurrent
		if i > 0 {
			status = parser.VersionStatusAt(operativeDate, now)
			if status == pipeline.VersionCurrent {
				status = pipeline.VersionHistorical
			}
		}

		result.Versions = append(result.Versions, pipeline.Version{
			Number:             i + 1,
			Description:        description,
			Content:            body,
			LegislativeHistory: history,
			OperativeDate:      operativeDate,
			Status:             status,
			URL:                landedAt,
		})
		metrics.ObserveVersion()
	}

	if len(result.Versions) == 0 {
		return result, fmt.Errorf("no versions extracted for %s (expected %d)", sec.Identifier(), result.Expected)
	}

	if err := r.sections.SetVersions(ctx, sec.Code, sec.Number, result.Versions); err != nil {
		return result, fmt.Errorf("store versions for %s: %w", sec.Identifier(), err)
	}

	r.logger.Info("versions resolved",
		zap.String("section", sec.Identifier()),
		zap.Int("extracted", len(result.Versions)),
		zap.Int("expected", result.Expected))
	return result, nil
}

// enrichHistory swaps in the print view's citation when it is richer
// than the one the page itself carried.
func (r *Resolver) enrichHistory(ctx context.Context, sec pipeline.Section, landedAt, history string) string {
	printURL := parser.PrintViewURL(r.baseURL, sec.Code, sec.Number, landedAt)
	page, err := r.fetcher.FetchPage(ctx, printURL)
	if err != nil {
		r.logger.Debug("print view fetch failed",
			zap.String("section", sec.Identifier()),
			zap.Error(err))
		return history
	}
	if full := r.parser.PrintViewHistory(page); len(full) > len(history) {
		return full
	}
	return history
}

func (r *Resolver) selectorURL(sec pipeline.Section) string {
	if strings.Contains(strings.ToLower(sec.URL), "selectfrommultiples") {
		return sec.URL
	}
	return fmt.Sprintf("%s/selectFromMultiples.xhtml?lawCode=%s&sectionNum=%s",
		strings.TrimRight(r.baseURL, "/"), sec.Code, sec.Number)
}

// ResolveResult summarizes one ResolveAll pass.
type ResolveResult struct {
	Code     string   `json:"code"`
	Total    int      `json:"total"`
	Resolved int      `json:"resolved"`
	Failed   []string `json:"failed,omitempty"`
}

// ResolveAll resolves every flagged section of a code that still lacks
// versions. Failures land in the ledger and do not stop the pass.
func (r *Resolver) ResolveAll(ctx context.Context, code string) (ResolveResult, error) {
	pending, err := r.sections.ListMultiVersion(ctx, code)
	if err != nil {
		return ResolveResult{Code: code}, fmt.Errorf("list multi-version sections: %w", err)
	}

	result := ResolveResult{Code: code, Total: len(pending)}
	r.logger.Info("resolving multi-version sections",
		zap.String("code", code),
		zap.Int("count", len(pending)))

	for _, sec := range pending {
		if err := ctx.Err(); err != nil {
			return result, pipeline.ErrInterrupted
		}

		if _, err := r.ResolveOne(ctx, sec); err != nil {
			result.Failed = append(result.Failed, sec.Identifier())
			r.recordFailure(ctx, sec, err)
			continue
		}
		result.Resolved++
	}
	return result, nil
}

func (r *Resolver) recordFailure(ctx context.Context, sec pipeline.Section, cause error) {
	ftype := pipeline.ClassifyError(cause)
	if ftype == pipeline.FailureTimeout || ftype == pipeline.FailureUnknown {
		ftype = pipeline.FailureMultiVersionTimeout
	}
	f := pipeline.FailedSection{
		Code:           sec.Code,
		Section:        sec.Number,
		URL:            sec.URL,
		FailureType:    ftype,
		ErrorText:      cause.Error(),
		Stage:          pipeline.StageVersions,
		IsMultiVersion: true,
		RetryStatus:    pipeline.RetryPending,
		FailedAt:       r.clock.Now(),
	}
	if err := r.recorder.Record(ctx, f); err != nil {
		r.logger.Error("failed to record version failure",
			zap.String("section", sec.Identifier()),
			zap.Error(err))
	}
}
