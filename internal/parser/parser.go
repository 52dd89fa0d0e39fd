// Package parser extracts car listings from fetched listing pages.
//
// The upstream site renders its search results twice: as a JSON payload
// assigned to window.__PRELOADED_STATE_LISTING__ inside a script tag, and as
// detail-page anchors in the DOM. The payload carries the typed attributes;
// the anchors carry the detail URLs, keyed by the classified reference in
// the enclosing div's data-tracking-meta attribute. A hit is kept only when
// both sides agree on the reference.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

const (
	detailLinkMarker = "auto-occasion-annonce"
	siteBase         = "https://www.lacentrale.fr"
)

var payloadPattern = regexp.MustCompile(`(?s)window\.__PRELOADED_STATE_LISTING__\s*=\s*(\{.*\})\s*;`)

// Parser implements pipeline.Parser for lacentrale listing pages.
type Parser struct {
	clock pipeline.Clock
	log   *zap.Logger
}

// New creates a Parser.
func New(clock pipeline.Clock, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{clock: clock, log: logger.Named("parser")}
}

// preloadedState mirrors the slice of the payload this pipeline consumes.
type preloadedState struct {
	Search struct {
		Hits []hit `json:"hits"`
	} `json:"search"`
}

type hit struct {
	Item item `json:"item"`
}

type item struct {
	Reference       string   `json:"reference"`
	Price           *float64 `json:"price"`
	CustomerType    string   `json:"customerType"`
	GoodDealBadge   string   `json:"goodDealBadge"`
	PhotoURL        string   `json:"photoUrl"`
	FirstOnlineDate string   `json:"firstOnlineDate"`
	Vehicle         vehicle  `json:"vehicle"`
	Contacts        contacts `json:"contacts"`
}

type vehicle struct {
	Make          string   `json:"make"`
	Model         string   `json:"model"`
	Version       string   `json:"version"`
	TrimLevel     string   `json:"trimLevel"`
	Year          *float64 `json:"year"`
	Doors         *float64 `json:"doors"`
	Gearbox       string   `json:"gearbox"`
	Energy        string   `json:"energy"`
	ExternalColor string   `json:"externalColor"`
	Category      string   `json:"category"`
	Mileage       *float64 `json:"mileage"`
}

type contacts struct {
	PublishedName string `json:"nomPublie"`
}

type trackingMeta struct {
	ClassifiedRef string `json:"classified_ref"`
}

// Parse extracts the listings of one fetched page. A page whose payload is
// missing or undecodable is a ParseError; individual hits that fail
// validation are skipped and logged, siblings still parsed.
func (p *Parser) Parse(doc *pipeline.Document) ([]pipeline.Listing, error) {
	if doc == nil || len(doc.Body) == 0 {
		return nil, &pipeline.ParseError{Page: pageOf(doc), Err: fmt.Errorf("empty document")}
	}

	match := payloadPattern.FindSubmatch(doc.Body)
	if match == nil {
		return nil, &pipeline.ParseError{Page: doc.Page, Err: fmt.Errorf("listing payload not found")}
	}

	var state preloadedState
	if err := json.Unmarshal(match[1], &state); err != nil {
		return nil, &pipeline.ParseError{Page: doc.Page, Err: fmt.Errorf("decode listing payload: %w", err)}
	}

	links, err := p.harvestDetailLinks(doc.Body)
	if err != nil {
		return nil, &pipeline.ParseError{Page: doc.Page, Err: err}
	}

	now := p.clock.Now()
	listings := make([]pipeline.Listing, 0, len(state.Search.Hits))
	for _, h := range state.Search.Hits {
		url, ok := links[h.Item.Reference]
		if !ok {
			// Payload hits without a DOM anchor are ads or teasers
			// for other pages; the original markup requires the join.
			continue
		}
		listings = append(listings, buildListing(h.Item, url, doc.Page, now))
	}
	p.log.Debug("page parsed",
		zap.Int("page", doc.Page),
		zap.Int("hits", len(state.Search.Hits)),
		zap.Int("joined", len(listings)))
	return listings, nil
}

// harvestDetailLinks walks the DOM anchors and maps each classified
// reference to its absolute detail URL.
func (p *Parser) harvestDetailLinks(body []byte) (map[string]string, error) {
	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	links := make(map[string]string)
	gq.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, detailLinkMarker) {
			return
		}
		parent := a.Closest("div[data-tracking-meta]")
		if parent.Length() == 0 {
			return
		}
		raw, _ := parent.Attr("data-tracking-meta")
		// The attribute is entity-encoded in the raw markup.
		raw = strings.ReplaceAll(raw, "&quot;", `"`)

		var meta trackingMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.ClassifiedRef == "" {
			return
		}
		if !strings.HasPrefix(href, "http") {
			href = siteBase + href
		}
		links[meta.ClassifiedRef] = href
	})
	return links, nil
}

// buildListing converts one payload item to the pipeline record form.
// Schema validation happens in the worker via Listing.Validate.
func buildListing(it item, url string, page int, fetchedAt time.Time) pipeline.Listing {
	return pipeline.Listing{
		Reference:       it.Reference,
		URL:             url,
		Make:            it.Vehicle.Make,
		Model:           it.Vehicle.Model,
		Version:         it.Vehicle.Version,
		TrimLevel:       it.Vehicle.TrimLevel,
		Year:            intOf(it.Vehicle.Year),
		Doors:           intOf(it.Vehicle.Doors),
		Gearbox:         it.Vehicle.Gearbox,
		Energy:          it.Vehicle.Energy,
		ExternalColor:   it.Vehicle.ExternalColor,
		Category:        it.Vehicle.Category,
		Mileage:         intOf(it.Vehicle.Mileage),
		Price:           intOf(it.Price),
		CustomerType:    it.CustomerType,
		DealerName:      it.Contacts.PublishedName,
		GoodDealBadge:   it.GoodDealBadge,
		PhotoURL:        it.PhotoURL,
		FirstOnlineDate: it.FirstOnlineDate,
		Page:            page,
		FetchedAt:       fetchedAt,
	}
}

func intOf(f *float64) int {
	if f == nil {
		return 0
	}
	return int(*f)
}

func pageOf(doc *pipeline.Document) int {
	if doc == nil {
		return 0
	}
	return doc.Page
}
