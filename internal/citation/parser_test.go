package citation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casecrawl/casecrawl/internal/model"
)

func intPtr(v int) *int { return &v }

func TestParse_Recognised(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want model.ParsedCitation
	}{
		{
			name: "hk neutral",
			raw:  "[2020] HKCFI 123",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2020, Code: "HKCFI", Number: 123},
		},
		{
			name: "hk neutral without spaces",
			raw:  "[2020]HKCFI123",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2020, Code: "HKCFI", Number: 123},
		},
		{
			name: "extra spaces inside brackets",
			raw:  "[ 2020 ]  HKCA   7",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2020, Code: "HKCA", Number: 7},
		},
		{
			name: "parentheses and lower case",
			raw:  "(2018) hkcfa 45",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2018, Code: "HKCFA", Number: 45},
		},
		{
			name: "periods inside code",
			raw:  "[2020] H.K.C.F.I. 99",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2020, Code: "HKCFI", Number: 99},
		},
		{
			name: "hk law report with volume",
			raw:  "[2019] 2 HKLRD 456",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2019, Code: "HKLRD", Volume: intPtr(2), Number: 456},
		},
		{
			name: "longest code wins",
			raw:  "(2015) 18 HKCFAR 1",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionHK, Year: 2015, Code: "HKCFAR", Volume: intPtr(18), Number: 1},
		},
		{
			name: "uk neutral with division",
			raw:  "[2021] EWHC 12 (Ch)",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionUK, Year: 2021, Code: "EWHC", Number: 12, Division: "Ch"},
		},
		{
			name: "court of appeal civil division",
			raw:  "[2017] EWCA Civ 1006",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionUK, Year: 2017, Code: "EWCA Civ", Number: 1006},
		},
		{
			name: "uk law report",
			raw:  "[2019] 1 W.L.R. 456",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionUK, Year: 2019, Code: "WLR", Volume: intPtr(1), Number: 456},
		},
		{
			name: "all england digest",
			raw:  "[2010] All ER (D) 12",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionUK, Year: 2010, Code: "All ER (D)", Number: 12},
		},
		{
			name: "embedded in case name",
			raw:  "Smith v Jones [2020] UKSC 5",
			want: model.ParsedCitation{Jurisdiction: model.JurisdictionUK, Year: 2020, Code: "UKSC", Number: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			require.NotNil(t, got)
			tt.want.Raw = tt.raw
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParse_Blank(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "\t\n"} {
		got, err := Parse(raw)
		assert.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestParse_UnparsableBestEffort(t *testing.T) {
	t.Parallel()

	got, err := Parse("[2020] HKCFI")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnparsable))
	require.NotNil(t, got)
	assert.Equal(t, 2020, got.Year)
	assert.Equal(t, "HKCFI", got.Code)
	assert.Equal(t, model.JurisdictionHK, got.Jurisdiction)

	got, err = Parse("see judgment of 2016 somewhere")
	require.ErrorIs(t, err, ErrUnparsable)
	assert.Equal(t, 2016, got.Year)
	assert.Equal(t, model.JurisdictionUnknown, got.Jurisdiction)
	assert.Empty(t, got.Code)

	got, err = Parse("no year at all, ref 17")
	require.ErrorIs(t, err, ErrUnparsable)
	assert.Zero(t, got.Year)
	assert.False(t, got.Known())
}

func TestParse_PlaceholderText(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"N/A", "n/a", "unreported", "TBC", "-", " -- "} {
		t.Run(raw, func(t *testing.T) {
			got, err := Parse(raw)
			assert.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"[2020] HKCFI 123",
		"[2020]HKCFI123",
		"(2015) 18 HKCFAR 1",
		"[2019] 1 W.L.R. 456",
		"[2021] EWHC 12 (Ch)",
		"[2021] EWHC 3 (tcc)",
		"[2017] EWCA Crim 88",
		"[2010] All ER (D) 12",
		"[1999] 2 Lloyds Rep 3",
		"[2003] 1 AC 9",
	}

	for _, raw := range inputs {
		first, err := Parse(raw)
		require.NoError(t, err, raw)

		formatted := Format(*first)
		second, err := Parse(formatted)
		require.NoError(t, err, formatted)

		third, err := Parse(Format(*second))
		require.NoError(t, err)

		first.Raw, second.Raw, third.Raw = "", "", ""
		assert.Equal(t, *first, *second, raw)
		assert.Equal(t, *second, *third, raw)
	}
}

func TestFormat_Canonical(t *testing.T) {
	t.Parallel()

	p, err := Parse("[2019] 1 w.l.r. 456")
	require.NoError(t, err)
	assert.Equal(t, "[2019] 1 WLR 456", Format(*p))

	p, err = Parse("[1999] 2 Lloyds Rep 3")
	require.NoError(t, err)
	assert.Equal(t, "[1999] 2 Lloyd's Rep 3", Format(*p))

	unknown := model.ParsedCitation{Raw: "garbled", Jurisdiction: model.JurisdictionUnknown}
	assert.Equal(t, "garbled", Format(unknown))
}

func TestParseAll(t *testing.T) {
	t.Parallel()

	got := ParseAll("[2020] HKCFI 123; [2020] 2 HKLRD 45")
	require.Len(t, got, 2)
	assert.Equal(t, "HKCFI", got[0].Code)
	assert.Equal(t, "HKLRD", got[1].Code)
	require.NotNil(t, got[1].Volume)
	assert.Equal(t, 2, *got[1].Volume)

	assert.Empty(t, ParseAll("nothing here"))
}

func TestEqualAndVolumeDelta(t *testing.T) {
	t.Parallel()

	a, _ := Parse("[2019] 2 HKLRD 456")
	b, _ := Parse("[2019] 3 HKLRD 456")
	c, _ := Parse("[2019] 2 HKLRD 456")

	assert.False(t, Equal(*a, *b))
	assert.True(t, SameExceptVolume(*a, *b))
	assert.True(t, Equal(*a, *c))

	d, ok := VolumeDelta(*a, *b)
	assert.True(t, ok)
	assert.Equal(t, 1, d)

	n, _ := Parse("[2019] HKCFI 456")
	_, ok = VolumeDelta(*a, *n)
	assert.False(t, ok)
}

func TestNormalizeAndExtractYear(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[2019] 1 WLR 456", Normalize("  [2019]  1 w.l.r.   456 "))
	assert.Equal(t, 2020, ExtractYear("[2020] HKCFI 1"))
	assert.Equal(t, 2011, ExtractYear("reported (2011) somewhere"))
	assert.Zero(t, ExtractYear(""))
}
