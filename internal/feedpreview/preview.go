package feedpreview

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

// Preview summarizes a candidate feed before it is subscribed to on the
// remote service.
type Preview struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	HTMLURL     string     `json:"html_url"`
	ItemCount   int        `json:"item_count"`
	NewestItem  *time.Time `json:"newest_item,omitempty"`
}

type Previewer struct {
	parser *gofeed.Parser
}

func New() *Previewer {
	return &Previewer{parser: gofeed.NewParser()}
}

// Fetch downloads and parses the feed at url.
func (p *Previewer) Fetch(ctx context.Context, url string) (*Preview, error) {
	feed, err := p.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %v", url, err)
	}

	preview := &Preview{
		Title:       feed.Title,
		Description: feed.Description,
		HTMLURL:     feed.Link,
		ItemCount:   len(feed.Items),
	}
	for _, item := range feed.Items {
		if item.PublishedParsed == nil {
			continue
		}
		if preview.NewestItem == nil || item.PublishedParsed.After(*preview.NewestItem) {
			preview.NewestItem = item.PublishedParsed
		}
	}
	return preview, nil
}
