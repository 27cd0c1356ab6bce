package crawler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const listingMarkup = `<html><body>
<div class="result_car"><a class="car-picture" href="/cars/fiat-500" title="Fiat 500"><img src="a.jpg"></a></div>
<div class="result_car"><span>sold out</span></div>
<div class="result_car"><a class="car-picture" href="https://other.example/cars/2"> VW Golf </a></div>
<div class="result_car"><a class="car-picture" href="cars/3" title="Tesla 3"></a></div>
</body></html>`

func listingConfig() crawler.ListingConfig {
	return crawler.ListingConfig{ItemSelector: ".result_car", LinkSelector: ".car-picture"}
}

func TestListingExtractorReadsItemsInOrder(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{
		url:     "http://site/search/list?page=1",
		content: func(int) (string, error) { return listingMarkup, nil },
	}
	refs, err := crawler.NewListingExtractor(listingConfig(), nil).Extract(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []crawler.ItemReference{
		{Title: "Fiat 500", URL: "http://site/cars/fiat-500"},
		{Title: "VW Golf", URL: "https://other.example/cars/2"},
		{Title: "Tesla 3", URL: "http://site/search/cars/3"},
	}, refs)
	assert.Zero(t, page.Clicks())
}

func TestListingExtractorEmptyPage(t *testing.T) {
	t.Parallel()

	page := &scriptedPage{url: "http://site/"}
	refs, err := crawler.NewListingExtractor(listingConfig(), nil).Extract(context.Background(), page)
	require.NoError(t, err)
	assert.NotNil(t, refs)
	assert.Empty(t, refs)
}

func TestListingExtractorPropagatesDriverError(t *testing.T) {
	t.Parallel()

	boom := errors.New("tab crashed")
	page := &scriptedPage{content: func(int) (string, error) { return "", boom }}
	_, err := crawler.NewListingExtractor(listingConfig(), nil).Extract(context.Background(), page)
	require.ErrorIs(t, err, boom)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := crawler.ResolveURL("http://site/a/b", "../c?x=1")
	require.NoError(t, err)
	assert.Equal(t, "http://site/c?x=1", got)

	got, err = crawler.ResolveURL("::bad", "https://site/x")
	require.NoError(t, err)
	assert.Equal(t, "https://site/x", got)

	_, err = crawler.ResolveURL("http://site/", "http://[::1")
	require.Error(t, err)

	assert.Equal(t, "site", crawler.SiteLabel("http://SITE:8080/a"))
	assert.Equal(t, "unknown", crawler.SiteLabel("not a url"))
}
