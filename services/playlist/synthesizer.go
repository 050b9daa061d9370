// Package playlist synthesizes HLS master and media playlists from a parsed
// DASH manifest.
//
// A media playlist models the whole representation as one unbounded segment
// (its BaseURL). That is only valid for origins serving each representation
// as a single progressively-downloadable file; this is not a general-purpose
// DASH segmenter.
package playlist

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"anistream/services/manifest"
)

var (
	// ErrNoRepresentations is returned when master synthesis has nothing to
	// offer after classification and bandwidth filtering.
	ErrNoRepresentations = errors.New("no representations available for playlist")
	// ErrRepresentationNotFound is returned when a media playlist is
	// requested for an unknown representation id.
	ErrRepresentationNotFound = errors.New("representation not found")
)

// SynthesizeMaster renders the HLS master playlist for a parsed manifest.
// Video representations with bandwidth at or above maxVideoBandwidth are
// excluded. Representations are emitted in source-document order; the
// manifest author's preferred ordering is preserved rather than sorting by
// bandwidth.
func SynthesizeMaster(m *manifest.Model, maxVideoBandwidth int) (string, error) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	emitted := 0
	for _, set := range m.Period.AdaptationSets {
		for _, rep := range set.Representations {
			switch {
			case rep.IsAudio():
				fmt.Fprintf(&b, "#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"audio\",NAME=\"merge\",DEFAULT=YES,AUTOSELECT=YES,URI=\"%s.m3u8\"\n", rep.ID)
				emitted++
			case rep.IsVideo():
				if maxVideoBandwidth > 0 && rep.Bandwidth >= maxVideoBandwidth {
					continue
				}
				b.WriteString("#EXT-X-STREAM-INF:PROGRAM-ID=1")
				fmt.Fprintf(&b, ",BANDWIDTH=%d", rep.Bandwidth)
				if rep.Width > 0 && rep.Height > 0 {
					fmt.Fprintf(&b, ",RESOLUTION=%dx%d", rep.Width, rep.Height)
				}
				fmt.Fprintf(&b, ",CODECS=%q", rep.Codecs)
				b.WriteString(",AUDIO=\"audio\"\n")
				fmt.Fprintf(&b, "%s.m3u8\n", rep.ID)
				emitted++
			}
		}
	}

	if emitted == 0 {
		return "", ErrNoRepresentations
	}
	return b.String(), nil
}

// SynthesizeMedia renders the single-segment VOD media playlist for one
// representation, looked up by id across all adaptation sets.
func SynthesizeMedia(m *manifest.Model, representationID string) (string, error) {
	rep, ok := m.Representation(representationID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrRepresentationNotFound, representationID)
	}

	track := "video"
	if rep.IsAudio() {
		track = "audio"
	}

	seconds := m.TotalDuration.Seconds()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(seconds)))
	b.WriteString("#EXT-X-VERSION:6\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXTINF:%.3f,%s,\n", seconds, track)
	b.WriteString(rep.BaseURL)
	b.WriteString("\n#EXT-X-ENDLIST\n")

	return b.String(), nil
}
