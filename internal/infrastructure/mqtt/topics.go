package mqtt

import "strings"

// DefaultPrefix is the topic root used when none is configured.
const DefaultPrefix = "chainkeeper"

// Topics builds chainkeeper topic names under one prefix.
//
//	topics := mqtt.NewTopics("chainkeeper")
//	topics.Event("chain-output", "bitcoin")
//	// Returns: "chainkeeper/events/chain-output/bitcoin"
type Topics struct {
	prefix string
}

// NewTopics returns builders rooted at prefix. Leading and trailing slashes
// are trimmed; an empty prefix falls back to DefaultPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	return t.prefix
}

// SystemStatus is the retained online/offline topic, also used for the LWT.
//
// Example: chainkeeper/system/status
func (t Topics) SystemStatus() string {
	return t.prefix + "/system/status"
}

// Event returns the topic for one bus event. Events without a chain, such
// as downloads-update, use "all".
//
// Example: chainkeeper/events/download-complete/bitcoin
func (t Topics) Event(eventType, chainID string) string {
	if chainID == "" {
		chainID = "all"
	}
	return t.prefix + "/events/" + Segment(eventType) + "/" + Segment(chainID)
}

// Status returns the retained per-chain status topic.
//
// Example: chainkeeper/status/bitcoin
func (t Topics) Status(chainID string) string {
	return t.prefix + "/status/" + Segment(chainID)
}

// Downloads is the retained topic carrying the latest downloads snapshot.
//
// Example: chainkeeper/downloads
func (t Topics) Downloads() string {
	return t.prefix + "/downloads"
}

// AllEvents matches every event topic.
//
// Example: chainkeeper/events/#
func (t Topics) AllEvents() string {
	return t.prefix + "/events/#"
}

// Segment makes s safe as a single topic level: wildcards and separators
// become underscores.
func Segment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

// validTopic reports whether topic can be published to.
func validTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}
