package stat

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/source"
)

// ErrStatUnavailable reports that no trustworthy statistics were available
// for this tick.
var ErrStatUnavailable = errors.New("stat unavailable")

// Snapshot is one source's point-in-time reading.
type Snapshot struct {
	PublisherPresent bool   `json:"publisher"`
	BytesIn          uint64 `json:"bytesIn"`
	BytesOut         uint64 `json:"bytesOut"`
	Clients          int    `json:"clients"`
	// Layout names the strategy that located the source; empty when the
	// source was absent from the document.
	Layout string `json:"layout,omitempty"`
}

// Report holds the snapshots of one statistics read.
type Report struct {
	Sources map[source.Name]Snapshot
	ReadAt  time.Time
}

// Get returns the snapshot for name; absent sources read as no publisher and
// zero bytes.
func (r Report) Get(name source.Name) Snapshot {
	return r.Sources[name]
}

// Layout locates a source's block inside the document.
type Layout interface {
	Name() string
	TryParse(root *Node, name source.Name, rules []PublisherRule) (Snapshot, bool)
}

// DefaultLayouts lists the supported document shapes in priority order.
func DefaultLayouts() []Layout {
	return []Layout{attributeLayout{}, nestedNameLayout{}}
}

// Parser turns raw statistics documents into Reports.
type Parser struct {
	Layouts []Layout
	Rules   []PublisherRule
}

// NewParser returns a parser with the default strategy lists.
func NewParser() *Parser {
	return &Parser{Layouts: DefaultLayouts(), Rules: DefaultPublisherRules()}
}

// Parse builds a snapshot for every source in names. A malformed document or
// one that is not a statistics document yields ErrStatUnavailable.
func (p *Parser) Parse(doc []byte, names []source.Name) (Report, error) {
	root, err := decodeTree(doc)
	if err != nil {
		return Report{}, fmt.Errorf("%w: decode: %v", ErrStatUnavailable, err)
	}
	if root.Name != "rtmp" && len(root.Descendants("application")) == 0 {
		return Report{}, fmt.Errorf("%w: unexpected document root %q", ErrStatUnavailable, root.Name)
	}
	layouts := p.Layouts
	if len(layouts) == 0 {
		layouts = DefaultLayouts()
	}
	rules := p.Rules
	if len(rules) == 0 {
		rules = DefaultPublisherRules()
	}

	report := Report{Sources: make(map[source.Name]Snapshot, len(names))}
	for _, name := range names {
		snapshot := Snapshot{}
		for _, layout := range layouts {
			if found, ok := layout.TryParse(root, name, rules); ok {
				found.Layout = layout.Name()
				snapshot = found
				break
			}
		}
		report.Sources[name] = snapshot
	}
	return report, nil
}

// Parse is a convenience wrapper around the default parser.
func Parse(doc []byte, names []source.Name) (Report, error) {
	return NewParser().Parse(doc, names)
}

type attributeLayout struct{}

func (attributeLayout) Name() string { return "attribute" }

func (attributeLayout) TryParse(root *Node, name source.Name, rules []PublisherRule) (Snapshot, bool) {
	for _, app := range root.Descendants("application") {
		if attr, ok := app.Attrs["name"]; ok && source.Normalize(attr) == name {
			return summarize(app, rules), true
		}
	}
	return Snapshot{}, false
}

type nestedNameLayout struct{}

func (nestedNameLayout) Name() string { return "nested" }

func (nestedNameLayout) TryParse(root *Node, name source.Name, rules []PublisherRule) (Snapshot, bool) {
	for _, app := range root.Descendants("application") {
		if source.Normalize(app.ChildText("name")) == name {
			return summarize(app, rules), true
		}
	}
	return Snapshot{}, false
}

// summarize sums counters over the application's streams, or over the whole
// application block when it carries no stream records.
func summarize(app *Node, rules []PublisherRule) Snapshot {
	var snapshot Snapshot
	streams := app.Descendants("stream")
	if len(streams) > 0 {
		for _, stream := range streams {
			snapshot.BytesIn += parseCounter(stream.ChildText("bytes_in"))
			snapshot.BytesOut += parseCounter(stream.ChildText("bytes_out"))
			snapshot.Clients += int(parseCounter(stream.ChildText("nclients")))
			if !snapshot.PublisherPresent && detectPublisher(stream, rules) {
				snapshot.PublisherPresent = true
			}
		}
		return snapshot
	}

	for _, node := range app.Descendants("bytes_in") {
		snapshot.BytesIn += parseCounter(node.Text)
	}
	for _, node := range app.Descendants("bytes_out") {
		snapshot.BytesOut += parseCounter(node.Text)
	}
	for _, node := range app.Descendants("nclients") {
		snapshot.Clients += int(parseCounter(node.Text))
	}
	snapshot.PublisherPresent = app.Walk(func(n *Node) bool {
		return n != app && detectPublisher(n, rules)
	})
	return snapshot
}

func detectPublisher(block *Node, rules []PublisherRule) bool {
	for _, rule := range rules {
		if rule.Detect(block) {
			return true
		}
	}
	return false
}

func parseCounter(raw string) uint64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
