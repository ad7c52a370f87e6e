package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	comcast, ok := c.Lookup("comcast")
	require.True(t, ok)
	assert.Equal(t, "Xfinity", comcast.DisplayName)
	assert.Equal(t, "+18009346489", comcast.DialNumber())

	mint, ok := c.Lookup("mint_mobile")
	require.True(t, ok)
	assert.Equal(t, "+18006837017", mint.DialNumber(), "falls back to customer service")

	assert.Len(t, c.ByCategory(models.CategoryInternet), 6)
	assert.Len(t, c.Competitors("comcast"), 5)
	assert.Empty(t, c.Competitors("unknown"))
	assert.Equal(t, "st-mary", c.DisplayName("st-mary"))
}

func TestMatchNamePrefersLongestAlias(t *testing.T) {
	c := Default()

	p, ok := c.MatchName("Switch to AT&T Wireless Unlimited for $55/mo", models.CategoryCellPhone, "")
	require.True(t, ok)
	assert.Equal(t, "att_wireless", p.ID)

	p, ok = c.MatchName("Verizon Fios 300 Mbps only $49.99", models.CategoryInternet, "")
	require.True(t, ok)
	assert.Equal(t, "verizon", p.ID)

	p, ok = c.MatchName("Xfinity vs Spectrum: Spectrum wins at $49.99", models.CategoryInternet, "comcast")
	require.True(t, ok)
	assert.Equal(t, "spectrum", p.ID)

	_, ok = c.MatchName("no providers here", models.CategoryInternet, "")
	assert.False(t, ok)
}

func TestLoadRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - id: x\n    category: utilities\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)

	_, err = Parse([]byte("providers:\n  - id: a\n    category: internet\n  - id: a\n    category: internet\n"))
	require.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+18662182130", NormalizePhone("1-866-218-3130"))
	assert.Equal(t, "", NormalizePhone("n/a"))
}
