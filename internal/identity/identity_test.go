package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/paramtree"
)

func tree(t *testing.T, doc string) paramtree.Tree {
	t.Helper()
	tr, err := paramtree.New([]byte(doc))
	require.NoError(t, err)
	return tr
}

var registry = []models.RegistryEntry{
	{Name: "no-comment"},
	{Name: "bob", Comment: "ONT HWTC9F00AA11 rack 3"},
	{Name: "carol", Comment: "installed 2025-03-02 id 48575443C0FFEE00"},
}

func TestResolveOrder(t *testing.T) {
	r := NewResolver("")

	cases := []struct {
		name   string
		doc    string
		want   string
		source models.IdentitySource
	}{
		{
			name: "direct username index 1",
			doc: `{"_id":"00259E-HG8245H-X","_tags":["pppoe:tagged"],
				"InternetGatewayDevice":{"WANDevice":{"1":{"WANConnectionDevice":{"1":{"WANPPPConnection":{"1":{"Username":{"_value":"alice"}}}}}}}},
				"VirtualParameters":{"pppoeUsername":{"_value":"virtual"}}}`,
			want:   "alice",
			source: models.IdentityFromDevice,
		},
		{
			name: "direct username index 0",
			doc: `{"_id":"00259E-HG8245H-X",
				"InternetGatewayDevice":{"WANDevice":{"0":{"WANConnectionDevice":{"0":{"WANPPPConnection":{"0":{"Username":{"_value":"zero"}}}}}}}}}`,
			want:   "zero",
			source: models.IdentityFromDevice,
		},
		{
			name: "tr-181 ppp interface",
			doc:  `{"_id":"A-B-C","Device":{"PPP":{"Interface":{"1":{"Username":{"_value":"tr181"}}}}}}`,
			want:   "tr181",
			source: models.IdentityFromDevice,
		},
		{
			name:   "virtual parameter",
			doc:    `{"_id":"A-B-C","VirtualParameters":{"pppoeUsername":{"_value":"virtual"}},"_tags":["pppoe:tagged"]}`,
			want:   "virtual",
			source: models.IdentityFromVirtual,
		},
		{
			name:   "registry by serial",
			doc:    `{"_id":"A-B-C","DeviceID":{"SerialNumber":{"_value":"HWTC9F00AA11"}},"_tags":["pppoe:tagged"]}`,
			want:   "bob",
			source: models.IdentityFromRegistry,
		},
		{
			name:   "registry by short id",
			doc:    `{"_id":"00259E-HG8245H-48575443C0FFEE00"}`,
			want:   "carol",
			source: models.IdentityFromRegistry,
		},
		{
			name:   "tag",
			doc:    `{"_id":"OUI-CLASS-ZZZ001","_tags":["vip","pppoe:","pppoe:dave"]}`,
			want:   "dave",
			source: models.IdentityFromTag,
		},
		{
			name:   "unknown",
			doc:    `{"_id":"OUI-CLASS-ZZZ001","_tags":["vip"]}`,
			want:   Unknown,
			source: models.IdentityUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(tree(t, tc.doc), registry)
			assert.Equal(t, tc.want, got.Username)
			assert.Equal(t, tc.source, got.Source)
		})
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	r := NewResolver("")

	for _, doc := range []string{`{}`, `{"_id":""}`, `{"_tags":[]}`, `{"VirtualParameters":{"pppoeUsername":{"_value":""}}}`} {
		got := r.Resolve(tree(t, doc), nil)
		assert.Equal(t, Unknown, got.Username, doc)
		assert.NotEmpty(t, got.Username)
	}
}

func TestResolveWithoutRegistry(t *testing.T) {
	got := NewResolver("").Resolve(tree(t, `{"_id":"00259E-HG8245H-48575443C0FFEE00"}`), nil)
	assert.Equal(t, Unknown, got.Username)
}

func TestResolveCustomTagPrefix(t *testing.T) {
	got := NewResolver("user=").Resolve(tree(t, `{"_id":"A-B-C","_tags":["pppoe:ignored","user=erin"]}`), nil)
	assert.Equal(t, "erin", got.Username)
	assert.Equal(t, models.IdentityFromTag, got.Source)
}

func TestMatchRegistryIgnoresEmptyNeedles(t *testing.T) {
	_, ok := MatchRegistry(registry, "", "")
	assert.False(t, ok)

	entry, ok := MatchRegistry(registry, "", "C0FFEE")
	require.True(t, ok)
	assert.Equal(t, "carol", entry.Name)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "48575443A1B2", ShortID("00259E-HG8245H-48575443A1B2"))
	assert.Equal(t, "SERIAL", ShortID("OUI-CLASS-SERIAL-extra"))
	assert.Equal(t, "OUI-CLASS", ShortID("OUI-CLASS"))
	assert.Equal(t, "plain", ShortID("plain"))
	assert.Equal(t, "", ShortID(""))
}

func TestSerialNumber(t *testing.T) {
	assert.Equal(t, "ZTEG00000001", SerialNumber(tree(t, `{"_id":"A-B-C","InternetGatewayDevice":{"DeviceInfo":{"SerialNumber":{"_value":"ZTEG00000001"}}}}`)))
	assert.Equal(t, "C", SerialNumber(tree(t, `{"_id":"A-B-C"}`)))
	assert.Equal(t, Unknown, SerialNumber(tree(t, `{}`)))
}
