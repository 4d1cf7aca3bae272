package parser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/tcp"
	"github.com/rebase-inc/skillscanner/models"
)

// Callback receives one relevant symbol-use delta.
type Callback func(language string, symbol []string, date time.Time, count int)

// backend is one external parser or relevance service, dialed lazily and
// redialed after a connection failure.
type backend struct {
	name    string
	host    string
	port    int
	timeout time.Duration

	client *tcp.Client
}

func newBackend(name string, cfg config.BackendConfig) *backend {
	return &backend{
		name:    name,
		host:    cfg.Host,
		port:    cfg.Port,
		timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
	}
}

func (b *backend) send(request any) (json.RawMessage, error) {
	if b.client == nil {
		client, err := tcp.Dial(b.host, b.port, tcp.WithTimeout(b.timeout))
		if err != nil {
			return nil, fmt.Errorf("dialing %s backend: %w", b.name, err)
		}
		b.client = client
	}
	resp, err := b.client.Send(request)
	if err != nil {
		// Drop the connection so the next attempt redials.
		b.client.Close()
		b.client = nil
		return nil, err
	}
	return resp, nil
}

func (b *backend) close() {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

// LanguageParser asks an ordered list of backends for symbol counts and a
// relevance oracle whether each symbol matters. Not safe for concurrent use;
// each scan owns its parsers.
type LanguageParser struct {
	Language string

	// backends in most-recently-successful order: covering dialect
	// differences, e.g. python3 then python2.
	backends []*backend
	oracle   *backend

	stdlib         func(symbol string) bool
	includePrivate bool
	callback       Callback
}

type parseResponse struct {
	Error    string         `json:"error"`
	UseCount map[string]int `json:"use_count"`
}

type impactResponse struct {
	Impact int `json:"impact"`
}

// Analyze fetches before/after symbol counts for the work item and emits the
// relevant deltas to the callback, largest change first.
func (p *LanguageParser) Analyze(ctx context.Context, item models.WorkItem) error {
	before, err := p.counts(ctx, item, item.PathBefore, item.BlobBefore)
	if err != nil {
		return err
	}
	after, err := p.counts(ctx, item, item.PathAfter, item.BlobAfter)
	if err != nil {
		return err
	}

	type delta struct {
		symbol string
		count  int
	}
	var deltas []delta
	for symbol := range union(before, after) {
		if d := abs(after[symbol] - before[symbol]); d > 0 {
			deltas = append(deltas, delta{symbol: symbol, count: d})
		}
	}
	// Largest delta first. Equal counts tie-break on the symbol name; the
	// backend's use_count is a JSON object, so no arrival order survives
	// decoding.
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].count != deltas[j].count {
			return deltas[i].count > deltas[j].count
		}
		return deltas[i].symbol < deltas[j].symbol
	})

	for _, d := range deltas {
		p.callback(p.Language, strings.Split(d.symbol, "."), item.AuthoredAt, d.count)
	}
	return nil
}

// counts returns the relevant symbol counts for one side of the work item;
// an absent side (addition or deletion) counts as empty.
func (p *LanguageParser) counts(ctx context.Context, item models.WorkItem, path string, blob []byte) (map[string]int, error) {
	if path == "" || blob == nil {
		return map[string]int{}, nil
	}

	request := map[string]any{
		"code":    base64.StdEncoding.EncodeToString(blob),
		"context": p.requestContext(item, path),
	}

	var lastErr string
	for i, b := range p.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := b.send(request)
		if err != nil {
			lastErr = err.Error()
			slog.Debug("Parser backend failed", "backend", b.name, "error", err)
			continue
		}
		var resp parseResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			lastErr = err.Error()
			continue
		}
		if resp.Error != "" {
			lastErr = resp.Error
			slog.Debug("Parser backend rejected blob", "backend", b.name, "error", resp.Error)
			continue
		}

		// This backend handled the dialect; try it first next time.
		p.promote(i)
		return p.filterRelevant(resp.UseCount, item)
	}
	return nil, &UnparsableCodeError{Language: p.Language, URL: item.CommitURL, Reason: lastErr}
}

func (p *LanguageParser) promote(i int) {
	if i == 0 {
		return
	}
	b := p.backends[i]
	copy(p.backends[1:i+1], p.backends[:i])
	p.backends[0] = b
}

func (p *LanguageParser) requestContext(item models.WorkItem, path string) map[string]any {
	context := map[string]any{
		"repo":       item.RepoFullName,
		"path":       path,
		"commit_url": item.CommitURL,
	}
	if p.includePrivate {
		context["private_modules"] = item.PrivateModules
	}
	return context
}

// filterRelevant keeps a symbol when it is standard library, private to the
// commit's tree, or the oracle reports nonzero impact.
func (p *LanguageParser) filterRelevant(useCount map[string]int, item models.WorkItem) (map[string]int, error) {
	relevant := map[string]int{}
	for symbol, count := range useCount {
		if count == 0 {
			continue
		}
		switch {
		case p.stdlib(symbol):
			relevant[symbol] = count
		case p.includePrivate && isPrivate(symbol, item.PrivateModules):
			relevant[symbol] = count
		default:
			impact, err := p.impact(symbol)
			if err != nil {
				return nil, err
			}
			if impact > 0 {
				relevant[symbol] = count
			}
		}
	}
	return relevant, nil
}

func (p *LanguageParser) impact(symbol string) (int, error) {
	module, _, _ := strings.Cut(symbol, ".")
	raw, err := p.oracle.send(map[string]string{"module": module})
	if err != nil {
		return 0, fmt.Errorf("checking relevance of %s: %w", module, err)
	}
	var resp impactResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decoding relevance of %s: %w", module, err)
	}
	return resp.Impact, nil
}

// Close drops all backend connections.
func (p *LanguageParser) Close() {
	for _, b := range p.backends {
		b.close()
	}
	if p.oracle != nil {
		p.oracle.close()
	}
}

func isPrivate(symbol string, privateModules []string) bool {
	for _, module := range privateModules {
		if symbol == module || strings.HasPrefix(symbol, module+".") {
			return true
		}
	}
	return false
}

func union(a, b map[string]int) map[string]struct{} {
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
