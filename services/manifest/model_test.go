package manifest

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{name: "hours minutes seconds", input: "PT1H30M15S", want: 5415 * time.Second},
		{name: "seconds only", input: "PT45S", want: 45 * time.Second},
		{name: "minutes only", input: "PT2M", want: 120 * time.Second},
		{name: "hours only", input: "PT2H", want: 2 * time.Hour},
		{name: "fractional seconds", input: "PT0H9M56.46S", want: time.Duration(596.46 * float64(time.Second))},
		{name: "zero seconds", input: "PT0S", want: 0},
		{name: "surrounding whitespace", input: "  PT45S ", want: 45 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDuration(tc.input)
			if err != nil {
				t.Fatalf("ParseDuration(%q) error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "no prefix", input: "1H30M"},
		{name: "prefix only", input: "PT"},
		{name: "trailing digits", input: "PT30M15"},
		{name: "unknown designator", input: "PT3X"},
		{name: "not a number", input: "PTxS"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDuration(tc.input); err == nil {
				t.Errorf("ParseDuration(%q) succeeded, want error", tc.input)
			}
		})
	}
}

func TestRepresentationClassification(t *testing.T) {
	audio := Representation{MimeType: "audio/mp4"}
	video := Representation{MimeType: "video/mp4"}
	other := Representation{MimeType: "text/vtt"}

	if !audio.IsAudio() || audio.IsVideo() {
		t.Error("audio/mp4 misclassified")
	}
	if !video.IsVideo() || video.IsAudio() {
		t.Error("video/mp4 misclassified")
	}
	if other.IsAudio() || other.IsVideo() {
		t.Error("text/vtt should be neither audio nor video")
	}
}

func TestModelRepresentationLookup(t *testing.T) {
	model := &Model{Period: Period{AdaptationSets: []AdaptationSet{
		{Representations: []Representation{{ID: "v1"}, {ID: "v2"}}},
		{Representations: []Representation{{ID: "a1"}}},
	}}}

	if _, ok := model.Representation("a1"); !ok {
		t.Error("expected to find a1 in second adaptation set")
	}
	if _, ok := model.Representation("missing"); ok {
		t.Error("did not expect to find missing id")
	}
}
