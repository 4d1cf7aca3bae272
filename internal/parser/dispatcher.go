// Package parser turns changed files into relevant symbol-use counts by way
// of external per-language parser backends.
package parser

import (
	"context"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rebase-inc/skillscanner/models"
)

// mimetypeRegexp extracts the language token from types like text/x-python
// or application/javascript.
var mimetypeRegexp = regexp.MustCompile(`^(?:application|text)/(?:x-)?([a-z]+)$`)

func init() {
	// Extensions the platform MIME table tends to miss, plus the JSX
	// override: JSX is parsed by the JavaScript backends.
	mime.AddExtensionType(".py", "text/x-python")
	mime.AddExtensionType(".pyw", "text/x-python")
	mime.AddExtensionType(".jsx", "application/javascript")
	mime.AddExtensionType(".mjs", "application/javascript")
	mime.AddExtensionType(".rb", "text/x-ruby")
	mime.AddExtensionType(".php", "text/x-php")
	mime.AddExtensionType(".pl", "text/x-perl")
}

// Dispatcher routes work items to language parsers and absorbs the known
// skip conditions into health counters.
type Dispatcher struct {
	parsers map[string]*LanguageParser
	health  *Health
}

func NewDispatcher(parsers ...*LanguageParser) *Dispatcher {
	d := &Dispatcher{parsers: map[string]*LanguageParser{}, health: NewHealth()}
	for _, p := range parsers {
		d.parsers[p.Language] = p
	}
	return d
}

// Health exposes the dispatcher's counters.
func (d *Dispatcher) Health() *Health { return d.health }

// GuessLanguage maps a path to a language token via its extension's MIME
// type.
func (d *Dispatcher) GuessLanguage(path string) (string, error) {
	ext := filepath.Ext(path)
	mimetype := mime.TypeByExtension(ext)
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	match := mimetypeRegexp.FindStringSubmatch(mimetype)
	if match == nil {
		return "", &UnrecognizedExtensionError{Ext: ext}
	}
	return match[1], nil
}

// SupportsAnyOf reports whether any of the languages has a registered
// parser. The crawler uses it to skip repositories cheaply.
func (d *Dispatcher) SupportsAnyOf(languages ...string) bool {
	for _, language := range languages {
		if _, ok := d.parsers[strings.ToLower(language)]; ok {
			return true
		}
	}
	return false
}

// Analyze parses one work item. The three known skip kinds (unrecognized
// extension, unsupported language, unparsable code) are counted and
// swallowed; anything else propagates and aborts the scan.
func (d *Dispatcher) Analyze(ctx context.Context, item models.WorkItem) error {
	err := d.analyze(ctx, item)
	if d.health.observe(err) {
		return nil
	}
	return err
}

func (d *Dispatcher) analyze(ctx context.Context, item models.WorkItem) error {
	// The language is assumed not to change within one commit.
	path := item.PathBefore
	if path == "" {
		path = item.PathAfter
	}
	language, err := d.GuessLanguage(path)
	if err != nil {
		return err
	}
	p, ok := d.parsers[language]
	if !ok {
		return &MissingLanguageSupportError{Language: language}
	}
	return p.Analyze(ctx, item)
}

// Close shuts down every language parser's backend connections.
func (d *Dispatcher) Close() {
	for _, p := range d.parsers {
		p.Close()
	}
}
