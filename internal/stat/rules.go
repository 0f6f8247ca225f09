package stat

import "strings"

// PublisherRule decides whether a stream block has an active publisher.
type PublisherRule interface {
	Name() string
	Detect(block *Node) bool
}

// DefaultPublisherRules lists the publisher signals in priority order: an
// explicit publishing marker, a client record flagged as publisher, then a
// non-zero client count.
func DefaultPublisherRules() []PublisherRule {
	return []PublisherRule{publishingMarker{}, publisherClient{}, activeClientCount{}}
}

type publishingMarker struct{}

func (publishingMarker) Name() string { return "publishing-marker" }

func (publishingMarker) Detect(block *Node) bool {
	for _, child := range block.Children {
		if child.Name != "publishing" && child.Name != "active" {
			continue
		}
		text := strings.TrimSpace(child.Text)
		if text == "" || text == "1" || strings.EqualFold(text, "true") {
			return true
		}
	}
	return false
}

type publisherClient struct{}

func (publisherClient) Name() string { return "publisher-client" }

func (publisherClient) Detect(block *Node) bool {
	if block.Child("publisher") != nil {
		return true
	}
	if strings.EqualFold(block.ChildText("type"), "publisher") {
		return true
	}
	for _, client := range block.Children {
		if client.Name != "client" {
			continue
		}
		if strings.EqualFold(client.ChildText("type"), "publisher") {
			return true
		}
		if (publishingMarker{}).Detect(client) {
			return true
		}
	}
	return false
}

type activeClientCount struct{}

func (activeClientCount) Name() string { return "client-count" }

func (activeClientCount) Detect(block *Node) bool {
	return parseCounter(block.ChildText("nclients")) >= 1
}
