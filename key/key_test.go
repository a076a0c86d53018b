package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want Key
	}{
		{
			name: "curated",
			in:   "C.12580/v1/permanent_loss.Rdata",
			want: Key{Location: "C.12580", Namespace: "v1", Code: "permanent_loss", Ext: "Rdata"},
		},
		{
			name: "custom",
			in:   "C.12580/custom/v1/abc123.Rdata",
			want: Key{Location: "C.12580", Namespace: "v1", Code: "abc123", Ext: "Rdata", Custom: true},
		},
		{
			name: "surrounding whitespace",
			in:   "  C.35620/ryan-white/base.Rdata\n",
			want: Key{Location: "C.35620", Namespace: "ryan-white", Code: "base", Ext: "Rdata"},
		},
		{
			name: "dotted code keeps last extension",
			in:   "C.1/v2/run.2024.tar",
			want: Key{Location: "C.1", Namespace: "v2", Code: "run.2024", Ext: "tar"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"C.1/v1",
		"C.1/v1/x",
		"C.1/v1/x.",
		"C.1/v1/.Rdata",
		"C.1/other/v1/x.Rdata",
		"C.1/../x.Rdata",
		"C.1/v1/a..b.Rdata",
		`C.1\v1\x.Rdata`,
		"C.1//x.Rdata",
		"C 1/v1/x.Rdata",
		"custom/v1/x.Rdata",
		"a/b/c/d/e.Rdata",
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", in)
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"C.12580/v1/permanent_loss.Rdata",
		"C.12580/custom/v1/abc123.Rdata",
	} {
		k := MustParse(s)
		assert.Equal(t, s, k.String())
		again, err := Parse(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, again)
	}
}

func TestCuratedAndCustomDiffer(t *testing.T) {
	t.Parallel()

	curated, err := New("C.1", "v1", "x", "Rdata")
	require.NoError(t, err)
	custom, err := NewCustom("C.1", "v1", "x", ".Rdata")
	require.NoError(t, err)

	assert.NotEqual(t, curated, custom)
	assert.NotEqual(t, curated.String(), custom.String())
	assert.NotEqual(t, ObjectPath("", curated), ObjectPath("", custom))
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{"", "C.12580/v1/base.Rdata", "v1/C.12580/base.Rdata"},
		{"prerun", "C.12580/v1/base.Rdata", "prerun/v1/C.12580/base.Rdata"},
		{"/prerun/", "C.12580/v1/base.Rdata", "prerun/v1/C.12580/base.Rdata"},
		{"sims/prod", "C.12580/custom/v1/abc.Rdata", "sims/prod/custom/v1/C.12580/abc.Rdata"},
		{"", "C.12580/custom/v1/abc.Rdata", "custom/v1/C.12580/abc.Rdata"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ObjectPath(tt.prefix, MustParse(tt.key)), "prefix=%q key=%q", tt.prefix, tt.key)
	}
}

func TestFromManifest(t *testing.T) {
	t.Parallel()

	k, err := FromManifest("C.12580", "permanent_loss", "ryan-white")
	require.NoError(t, err)
	assert.Equal(t, "C.12580/ryan-white/permanent_loss.Rdata", k.String())

	_, err = FromManifest("", "permanent_loss", "v1")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMustParsePanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustParse("nope") })
}
