// Package umma scrapes the monthly prayer timetable published on umma.ru.
package umma

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	logx "prayerbot/pkg/logx"
)

const (
	DefaultURL       = "https://umma.ru/raspisanie-namaza/moscow"
	DefaultUserAgent = "prayerbot/1.0"

	// A usable row carries date and weekday cells followed by the six times.
	minCells    = 8
	firstTime   = 2
	timeColumns = 6
	maxBody     = 4 << 20
)

var ErrNoTable = errors.New("no prayer time table found")

type Config struct {
	URL                string
	UserAgent          string
	InsecureSkipVerify bool
	// Timeout bounds the whole request when the caller's context has no
	// deadline of its own.
	Timeout time.Duration
}

type Fetcher struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Fetcher{
		cfg:  cfg,
		http: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "source.umma")),
	}
}

// FetchMonth downloads the page and returns the six prayer times of every
// well-formed row of the first table.
func (f *Fetcher) FetchMonth(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("umma: http %d", resp.StatusCode)
	}

	rows, skipped, err := ParseTable(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	f.log.Debug("timetable fetched",
		logx.Int("rows", len(rows)),
		logx.Int("skipped", skipped),
		logx.Duration("took", time.Since(start)),
	)
	return rows, nil
}

// ParseTable extracts rows from the first <table> in r. The header row is
// skipped, as is any row with fewer than eight cells. skipped counts the
// latter.
func ParseTable(r io.Reader) (rows [][]string, skipped int, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, 0, fmt.Errorf("umma: parse html: %w", err)
	}
	table := findFirst(doc, atom.Table)
	if table == nil {
		return nil, 0, ErrNoTable
	}

	trs := collect(table, atom.Tr, atom.Table)
	if len(trs) > 0 {
		trs = trs[1:]
	}
	for _, tr := range trs {
		tds := collect(tr, atom.Td, atom.Table)
		if len(tds) < minCells {
			skipped++
			continue
		}
		row := make([]string, 0, timeColumns)
		for _, td := range tds[firstTime : firstTime+timeColumns] {
			row = append(row, strings.TrimSpace(textOf(td)))
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

// collect gathers descendants of n matching a without entering nested
// elements of type stop.
func collect(n *html.Node, a, stop atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == a {
				out = append(out, c)
				continue
			}
			if c.DataAtom == stop {
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		if p.Type == html.TextNode {
			b.WriteString(p.Data)
		}
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
