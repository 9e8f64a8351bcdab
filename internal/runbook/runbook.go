// Package runbook loads operator runbooks from disk and serves them as
// retrieval context for pipeline runs.
//
// Every .md, .txt, .yaml and .yml file under the runbook directory is split
// into sections at markdown headings. Retrieve ranks sections by how many
// query terms they contain. <private>...</private> blocks never leave the
// process.
package runbook

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/steward/internal/otel"
)

var tracer = otel.Tracer("github.com/dativo-io/steward/internal/runbook")

var privateTagRe = regexp.MustCompile(`(?s)<private>.*?</private>`)

var supportedExts = map[string]bool{".md": true, ".txt": true, ".yaml": true, ".yml": true}

// Section is one heading-delimited chunk of a runbook file.
type Section struct {
	File    string
	Heading string
	Content string
	terms   map[string]int
}

// Library is an in-memory index of runbook sections. It implements the
// pipeline's context provider.
type Library struct {
	sections []Section
}

// Load reads every supported file under dir. A missing directory yields an
// empty library.
func Load(ctx context.Context, dir string) (*Library, error) {
	_, span := tracer.Start(ctx, "runbook.load", trace.WithAttributes(attribute.String("runbook.dir", dir)))
	defer span.End()

	lib := &Library{}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runbook dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("runbook dir %s is not a directory", dir)
	}

	stripped := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !supportedExts[filepath.Ext(path)] {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		clean, n := stripPrivate(string(content))
		stripped += n
		lib.sections = append(lib.sections, split(rel, clean)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("runbook.sections", len(lib.sections)))
	log.Debug().Str("dir", dir).Int("sections", len(lib.sections)).Int("private_stripped", stripped).Msg("runbooks_loaded")
	return lib, nil
}

// Len returns the number of indexed sections.
func (l *Library) Len() int { return len(l.sections) }

// Retrieve returns up to limit sections sharing the most terms with query,
// best first. Sections with no shared term are never returned.
func (l *Library) Retrieve(ctx context.Context, query string, limit int) ([]string, error) {
	_, span := tracer.Start(ctx, "runbook.retrieve")
	defer span.End()

	q := terms(query)
	if len(q) == 0 || limit <= 0 {
		return nil, nil
	}
	type hit struct {
		idx   int
		score int
	}
	var hits []hit
	for i := range l.sections {
		score := 0
		for term := range q {
			if n := l.sections[i].terms[term]; n > 0 {
				score += 1 + n/4
			}
		}
		if score > 0 {
			hits = append(hits, hit{i, score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	docs := make([]string, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, l.sections[h.idx].format())
	}
	span.SetAttributes(attribute.Int("runbook.hits", len(docs)))
	return docs, nil
}

func (s Section) format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s", s.File)
	if s.Heading != "" {
		fmt.Fprintf(&b, " / %s", s.Heading)
	}
	b.WriteString(" ---\n")
	b.WriteString(s.Content)
	return b.String()
}

// split cuts content into sections at markdown headings. Text before the
// first heading forms its own section.
func split(file, content string) []Section {
	var (
		out     []Section
		heading string
		body    strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		if text == "" && heading == "" {
			return
		}
		out = append(out, Section{
			File:    file,
			Heading: heading,
			Content: text,
			terms:   terms(heading + " " + text),
		})
		body.Reset()
	}
	for _, line := range strings.Split(content, "\n") {
		if rest := strings.TrimLeft(line, "#"); rest != line && strings.HasPrefix(rest, " ") {
			flush()
			heading = strings.TrimSpace(rest)
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}

// stripPrivate removes <private> blocks and collapses the blank lines they
// leave behind.
func stripPrivate(content string) (string, int) {
	n := len(privateTagRe.FindAllStringIndex(content, -1))
	clean := privateTagRe.ReplaceAllString(content, "")
	for strings.Contains(clean, "\n\n\n") {
		clean = strings.ReplaceAll(clean, "\n\n\n", "\n\n")
	}
	return clean, n
}

// terms lowercases s and counts words of three or more letters or digits.
func terms(s string) map[string]int {
	out := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			out[w]++
		}
	}
	return out
}
