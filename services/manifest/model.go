// Package manifest parses DASH Media Presentation Description documents into
// an in-memory model suitable for HLS playlist synthesis.
package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Model is the parsed form of a single-period MPD document.
type Model struct {
	// TotalDuration is the overall presentation duration from the root
	// mediaPresentationDuration attribute.
	TotalDuration time.Duration
	Period        Period
}

// Period holds the adaptation sets in document order.
type Period struct {
	AdaptationSets []AdaptationSet
}

// AdaptationSet groups interchangeable representations of one track.
// Alignment attributes are carried verbatim; the synthesizer does not
// interpret them.
type AdaptationSet struct {
	ID               string
	Group            string
	SegmentAlignment string
	Representations  []Representation
}

// Representation is one concrete encoded variant of a track.
type Representation struct {
	ID        string
	MimeType  string
	Codecs    string
	Bandwidth int
	Width     int
	Height    int
	FrameRate string
	SAR       string
	// BaseURL is the media locator, finalized only once the BaseURL
	// element's closing tag has been reached.
	BaseURL     string
	SegmentBase *SegmentBase
}

// SegmentBase carries index/initialization byte-range info for a
// representation backed by a single indexed file.
type SegmentBase struct {
	IndexRange          string
	InitializationRange string
}

// IsAudio classifies the representation by its mime type.
func (r Representation) IsAudio() bool {
	return strings.Contains(strings.ToLower(r.MimeType), "audio")
}

// IsVideo classifies the representation by its mime type.
func (r Representation) IsVideo() bool {
	return strings.Contains(strings.ToLower(r.MimeType), "video")
}

// Representation looks up a representation by id across all adaptation sets.
func (m *Model) Representation(id string) (Representation, bool) {
	for _, set := range m.Period.AdaptationSets {
		for _, rep := range set.Representations {
			if rep.ID == id {
				return rep, true
			}
		}
	}
	return Representation{}, false
}

var errBadDuration = errors.New("malformed ISO-8601 duration")

// ParseDuration parses the MPD duration form PT#H#M#S. Any subset of the
// hour/minute/second components may be present and the seconds component may
// be fractional, e.g. "PT0H9M56.46S".
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "PT") {
		return 0, fmt.Errorf("%w: %q", errBadDuration, s)
	}
	rest := trimmed[len("PT"):]
	if rest == "" {
		return 0, fmt.Errorf("%w: %q", errBadDuration, s)
	}

	var total float64
	start := 0
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c >= '0' && c <= '9') || c == '.' {
			continue
		}
		value, err := strconv.ParseFloat(rest[start:i], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadDuration, s)
		}
		switch c {
		case 'H':
			total += value * 3600
		case 'M':
			total += value * 60
		case 'S':
			total += value
		default:
			return 0, fmt.Errorf("%w: unexpected designator %q in %q", errBadDuration, string(c), s)
		}
		start = i + 1
	}
	if start != len(rest) {
		// trailing digits without a designator
		return 0, fmt.Errorf("%w: %q", errBadDuration, s)
	}

	return time.Duration(total * float64(time.Second)), nil
}
