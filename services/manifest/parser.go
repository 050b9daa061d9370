package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

var (
	// ErrMissingDuration is returned when the MPD root lacks a
	// mediaPresentationDuration attribute.
	ErrMissingDuration = errors.New("manifest missing mediaPresentationDuration")
	// ErrNoRoot is returned when the document contains no MPD element.
	ErrNoRoot = errors.New("manifest missing MPD root element")
)

// Parser builds a Model from raw MPD bytes with a streaming token walk.
// Unknown elements and attributes are skipped for forward compatibility;
// individual representations that fail to parse are dropped rather than
// failing the document.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// parseState tracks the current insertion point as the tail of the
// period -> adaptation-set -> representation nesting. DASH documents of
// interest here are single-period with sequentially declared sets, so a full
// tree is unnecessary; children arriving without an open parent are skipped
// with a warning instead of panicking on a stale index.
type parseState struct {
	model      Model
	sawRoot    bool
	repOpen    bool
	repDropped bool
	repIDs     map[string]struct{}
	baseURL    strings.Builder
	inBaseURL  bool
}

func (st *parseState) lastSet() *AdaptationSet {
	sets := st.model.Period.AdaptationSets
	if len(sets) == 0 {
		return nil
	}
	return &sets[len(sets)-1]
}

func (st *parseState) lastRep() *Representation {
	set := st.lastSet()
	if set == nil || len(set.Representations) == 0 {
		return nil
	}
	return &set.Representations[len(set.Representations)-1]
}

// Parse consumes the reader to end-of-document and returns the completed
// model. Malformed XML or a missing presentation duration fails the parse;
// the caller invokes playlist synthesis explicitly on the result.
func (p *Parser) Parse(r io.Reader) (*Model, error) {
	dec := xml.NewDecoder(r)
	st := &parseState{repIDs: make(map[string]struct{})}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := st.startElement(t); err != nil {
				return nil, err
			}
		case xml.CharData:
			if st.inBaseURL {
				// Text may arrive split across callbacks; concatenate
				// until the closing tag.
				st.baseURL.Write(t)
			}
		case xml.EndElement:
			st.endElement(t)
		}
	}

	if !st.sawRoot {
		return nil, ErrNoRoot
	}
	return &st.model, nil
}

func (st *parseState) startElement(t xml.StartElement) error {
	switch strings.ToLower(t.Name.Local) {
	case "mpd":
		raw, ok := attr(t, "mediapresentationduration")
		if !ok {
			return ErrMissingDuration
		}
		dur, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("presentation duration: %w", err)
		}
		st.model.TotalDuration = dur
		st.sawRoot = true
	case "adaptationset":
		set := AdaptationSet{}
		set.ID, _ = attr(t, "id")
		set.Group, _ = attr(t, "group")
		set.SegmentAlignment, _ = attr(t, "segmentalignment")
		st.model.Period.AdaptationSets = append(st.model.Period.AdaptationSets, set)
	case "representation":
		set := st.lastSet()
		if set == nil {
			log.Printf("[manifest] warning: Representation outside AdaptationSet, skipping")
			st.repOpen, st.repDropped = true, true
			return nil
		}
		rep, err := representationFromAttrs(t)
		if err != nil {
			log.Printf("[manifest] warning: dropping representation: %v", err)
			st.repOpen, st.repDropped = true, true
			return nil
		}
		if _, dup := st.repIDs[rep.ID]; dup {
			log.Printf("[manifest] warning: dropping representation with duplicate id %q", rep.ID)
			st.repOpen, st.repDropped = true, true
			return nil
		}
		st.repIDs[rep.ID] = struct{}{}
		set.Representations = append(set.Representations, rep)
		st.repOpen, st.repDropped = true, false
	case "segmentbase":
		rep := st.openRep()
		if rep == nil {
			log.Printf("[manifest] warning: SegmentBase without representation, skipping")
			return nil
		}
		indexRange, _ := attr(t, "indexrange")
		rep.SegmentBase = &SegmentBase{IndexRange: indexRange}
	case "initialization":
		rep := st.openRep()
		if rep == nil || rep.SegmentBase == nil {
			log.Printf("[manifest] warning: Initialization without segment base, skipping")
			return nil
		}
		rep.SegmentBase.InitializationRange, _ = attr(t, "range")
	case "baseurl":
		st.inBaseURL = true
		st.baseURL.Reset()
	}
	return nil
}

func (st *parseState) endElement(t xml.EndElement) {
	switch strings.ToLower(t.Name.Local) {
	case "baseurl":
		if rep := st.openRep(); rep != nil {
			rep.BaseURL = strings.TrimSpace(st.baseURL.String())
		}
		st.inBaseURL = false
		st.baseURL.Reset()
	case "representation":
		st.repOpen, st.repDropped = false, false
	}
}

// openRep returns the currently open representation, or nil if none is open
// or the open one was dropped during attribute parsing.
func (st *parseState) openRep() *Representation {
	if !st.repOpen || st.repDropped {
		return nil
	}
	return st.lastRep()
}

func representationFromAttrs(t xml.StartElement) (Representation, error) {
	var rep Representation
	var ok bool

	if rep.ID, ok = attr(t, "id"); !ok || rep.ID == "" {
		return rep, errors.New("missing id")
	}
	if rep.MimeType, ok = attr(t, "mimetype"); !ok || rep.MimeType == "" {
		return rep, fmt.Errorf("representation %q: missing mimeType", rep.ID)
	}
	if rep.Codecs, ok = attr(t, "codecs"); !ok || rep.Codecs == "" {
		return rep, fmt.Errorf("representation %q: missing codecs", rep.ID)
	}

	raw, ok := attr(t, "bandwidth")
	if !ok {
		return rep, fmt.Errorf("representation %q: missing bandwidth", rep.ID)
	}
	bandwidth, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || bandwidth < 0 {
		return rep, fmt.Errorf("representation %q: bad bandwidth %q", rep.ID, raw)
	}
	rep.Bandwidth = bandwidth

	if raw, ok := attr(t, "width"); ok {
		rep.Width, _ = strconv.Atoi(raw)
	}
	if raw, ok := attr(t, "height"); ok {
		rep.Height, _ = strconv.Atoi(raw)
	}
	rep.FrameRate, _ = attr(t, "framerate")
	rep.SAR, _ = attr(t, "sar")

	return rep, nil
}

// attr fetches an attribute by lowercased name.
func attr(t xml.StartElement, name string) (string, bool) {
	for _, a := range t.Attr {
		if strings.ToLower(a.Name.Local) == name {
			return a.Value, true
		}
	}
	return "", false
}
