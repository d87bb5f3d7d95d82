package ratefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/plot-installments/internal/config"
)

// Client reads a reference annual rate from an XML feed
type Client struct {
	url    string
	xpath  string
	margin decimal.Decimal
	client *http.Client
	log    *logrus.Logger
}

// NewClient initializes a new rate feed client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url:    cfg.RateFeedURL,
		xpath:  cfg.RateFeedXPath,
		margin: cfg.RateFeedMargin,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

// fetch downloads the feed document
func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debugf("Rate feed XML response: %s", string(body))
	return body, nil
}

// parse extracts the first rate matched by the configured path. Both
// "16.5" and "16,5" are accepted.
func (c *Client) parse(raw []byte) (decimal.Decimal, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse XML: %w", err)
	}

	path, err := etree.CompilePath(c.xpath)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate path %q: %w", c.xpath, err)
	}
	el := doc.FindElementPath(path)
	if el == nil {
		return decimal.Zero, fmt.Errorf("no rate found at %q", c.xpath)
	}

	text := strings.ReplaceAll(strings.TrimSpace(el.Text()), ",", ".")
	rate, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse rate %q: %w", text, err)
	}
	return rate, nil
}

// ReferenceRate retrieves the current rate and adds the configured margin
func (c *Client) ReferenceRate(ctx context.Context) (decimal.Decimal, error) {
	if c.url == "" {
		return decimal.Zero, fmt.Errorf("rate feed URL is not configured")
	}
	body, err := c.fetch(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := c.parse(body)
	if err != nil {
		return decimal.Zero, err
	}

	rate = rate.Add(c.margin)
	c.log.Infof("Retrieved reference rate: %s%% (including %s%% margin)", rate.StringFixed(2), c.margin.StringFixed(2))
	return rate, nil
}
