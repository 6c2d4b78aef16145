// Package mediawiki implements the remote content source against a
// MediaWiki-style HTTP API: paginated page listings with continuation
// cursors, revision history per page, and media file downloads.
package mediawiki

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	hashsha256 "github.com/wikivault/wikivault/internal/hash/sha256"
	"github.com/wikivault/wikivault/internal/wiki"
)

// Waiter gates outbound requests; the scheduler's global token bucket
// satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Config captures the client settings.
type Config struct {
	// BaseURL points at the api.php endpoint.
	BaseURL string
	// UserAgent identifies the archiver; wikis expect a descriptive one.
	UserAgent string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// PageSize is the listing and revision batch size.
	PageSize int
	// Hasher computes the content hash stored on every revision, the
	// key the stores dedup on (default SHA-256).
	Hasher wiki.Hasher
}

// Client talks to the remote wiki. All requests go through the shared
// rate limiter before touching the network.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	hasher  wiki.Hasher
	logger  *zap.Logger
}

// New validates the config and builds a Client.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse source base url: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "wikivault/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hashsha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		hasher:  cfg.Hasher,
		logger:  logger,
	}, nil
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type listResponse struct {
	Error    *apiError `json:"error"`
	Continue struct {
		APContinue string `json:"apcontinue"`
	} `json:"continue"`
	Query struct {
		AllPages []struct {
			PageID int64  `json:"pageid"`
			NS     int    `json:"ns"`
			Title  string `json:"title"`
		} `json:"allpages"`
	} `json:"query"`
}

// ListPages returns one batch of pages in the namespace starting at
// cursor. An empty NextCursor means the listing is exhausted.
func (c *Client) ListPages(ctx context.Context, namespace string, cursor string) (wiki.PageBatch, error) {
	params := url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"list":        {"allpages"},
		"aplimit":     {strconv.Itoa(c.cfg.PageSize)},
		"apnamespace": {namespace},
	}
	if cursor != "" {
		params.Set("apcontinue", cursor)
	}

	var resp listResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return wiki.PageBatch{}, err
	}
	if err := classifyAPIError(resp.Error, "list pages"); err != nil {
		return wiki.PageBatch{}, err
	}

	batch := wiki.PageBatch{NextCursor: resp.Continue.APContinue}
	for _, p := range resp.Query.AllPages {
		batch.Pages = append(batch.Pages, wiki.Page{
			ID:        strconv.FormatInt(p.PageID, 10),
			Title:     p.Title,
			Namespace: strconv.Itoa(p.NS),
		})
	}
	return batch, nil
}

type revisionsResponse struct {
	Error    *apiError `json:"error"`
	Continue struct {
		RVContinue string `json:"rvcontinue"`
	} `json:"continue"`
	Query struct {
		Pages []struct {
			PageID    int64  `json:"pageid"`
			Missing   bool   `json:"missing"`
			Title     string `json:"title"`
			Revisions []struct {
				RevID     int64     `json:"revid"`
				ParentID  int64     `json:"parentid"`
				User      string    `json:"user"`
				Timestamp time.Time `json:"timestamp"`
				SHA1      string    `json:"sha1"`
				Size      int       `json:"size"`
				Slots     struct {
					Main struct {
						Content string `json:"content"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

// FetchRevisions returns all revisions of the page newer than
// sinceRevision, oldest first, following rvcontinue until exhausted.
// Content integrity is checked against the API's SHA-1; a mismatch is
// surfaced as a data-integrity failure, never stored silently.
func (c *Client) FetchRevisions(ctx context.Context, page wiki.Page, sinceRevision int64) ([]wiki.Revision, error) {
	var out []wiki.Revision
	cursor := ""
	for {
		params := url.Values{
			"action":        {"query"},
			"format":        {"json"},
			"formatversion": {"2"},
			"prop":          {"revisions"},
			"pageids":       {page.ID},
			"rvprop":        {"ids|timestamp|user|sha1|size|content"},
			"rvslots":       {"main"},
			"rvlimit":       {strconv.Itoa(c.cfg.PageSize)},
			"rvdir":         {"newer"},
		}
		if sinceRevision > 0 {
			params.Set("rvstartid", strconv.FormatInt(sinceRevision, 10))
		}
		if cursor != "" {
			params.Set("rvcontinue", cursor)
		}

		var resp revisionsResponse
		if err := c.get(ctx, params, &resp); err != nil {
			return nil, err
		}
		if err := classifyAPIError(resp.Error, "fetch revisions "+page.ID); err != nil {
			return nil, err
		}
		if len(resp.Query.Pages) == 0 {
			return nil, wiki.Permanent("fetch revisions "+page.ID, errors.New("page absent from response"))
		}
		p := resp.Query.Pages[0]
		if p.Missing {
			return nil, wiki.Permanent("fetch revisions "+page.ID, errors.New("page does not exist"))
		}

		for _, r := range p.Revisions {
			if r.RevID <= sinceRevision {
				continue
			}
			content := r.Slots.Main.Content
			if r.SHA1 != "" {
				sum := sha1.Sum([]byte(content))
				if got := hex.EncodeToString(sum[:]); got != r.SHA1 {
					return nil, wiki.ChecksumMismatch(page.ID, r.SHA1, got)
				}
			}
			contentHash, err := c.hasher.Hash([]byte(content))
			if err != nil {
				return nil, fmt.Errorf("hash revision %d of page %s: %w", r.RevID, page.ID, err)
			}
			rev := wiki.Revision{
				ID:          r.RevID,
				PageID:      page.ID,
				Content:     content,
				ContentHash: contentHash,
				Size:        r.Size,
				Timestamp:   r.Timestamp,
				Author:      r.User,
			}
			if r.ParentID > 0 {
				parent := r.ParentID
				rev.ParentID = &parent
			}
			out = append(out, rev)
		}

		if resp.Continue.RVContinue == "" {
			return out, nil
		}
		cursor = resp.Continue.RVContinue
	}
}

type imageInfoResponse struct {
	Error *apiError `json:"error"`
	Query struct {
		Pages []struct {
			Missing   bool `json:"missing"`
			ImageInfo []struct {
				URL string `json:"url"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

// FetchFile resolves a file title to its download URL and returns the
// file bytes.
func (c *Client) FetchFile(ctx context.Context, title string) ([]byte, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"prop":          {"imageinfo"},
		"titles":        {title},
		"iiprop":        {"url"},
	}
	var resp imageInfoResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	if err := classifyAPIError(resp.Error, "resolve file "+title); err != nil {
		return nil, err
	}
	if len(resp.Query.Pages) == 0 || resp.Query.Pages[0].Missing || len(resp.Query.Pages[0].ImageInfo) == 0 {
		return nil, wiki.Permanent("resolve file "+title, errors.New("file does not exist"))
	}
	return c.download(ctx, resp.Query.Pages[0].ImageInfo[0].URL)
}

func (c *Client) download(ctx context.Context, fileURL string) ([]byte, error) {
	body, err := c.do(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, wiki.Transient("download "+fileURL, err)
	}
	return data, nil
}

// get performs an API query and decodes the JSON body into dst.
func (c *Client) get(ctx context.Context, params url.Values, dst any) error {
	body, err := c.do(ctx, c.cfg.BaseURL+"?"+params.Encode())
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return wiki.Permanent("decode response", err)
	}
	return nil
}

// do waits on the shared limiter, issues the request, and classifies
// transport and status failures.
func (c *Client) do(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("await rate limit token: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, wiki.Permanent("build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation from the caller is not a remote fault,
		// but timeouts and connection failures are transient.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, wiki.Transient("request "+rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		closeBody(resp, c.logger)
		return nil, wiki.RateLimited("request "+rawURL, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		closeBody(resp, c.logger)
		return nil, wiki.Transient("request "+rawURL, fmt.Errorf("status %d", resp.StatusCode))
	default:
		closeBody(resp, c.logger)
		return nil, wiki.Permanent("request "+rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}
}

// classifyAPIError maps API-level error envelopes onto the taxonomy.
// maxlag and ratelimited are explicit slow-down signals; anything else
// the API rejects is permanent for this task.
func classifyAPIError(e *apiError, op string) error {
	if e == nil {
		return nil
	}
	err := fmt.Errorf("api error %s: %s", e.Code, e.Info)
	switch e.Code {
	case "maxlag", "ratelimited":
		return wiki.RateLimited(op, err)
	case "internal_api_error_DBConnectionError", "readonly":
		return wiki.Transient(op, err)
	default:
		return wiki.Permanent(op, err)
	}
}

func closeBody(resp *http.Response, logger *zap.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Debug("close response body", zap.Error(err))
	}
}
