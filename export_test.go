package wden

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luryus/wden/persist"
)

func testExporter(t *testing.T) *Exporter {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir(), "default")
	require.NoError(t, err)
	return NewExporter(store, zerolog.Nop())
}

func testExportItems() []DecryptedItem {
	return []DecryptedItem{
		{ID: "a", Kind: KindLogin, Name: "Email", Username: "me", Password: "pw"},
		{ID: "b", Kind: KindSecureNote, Name: "Note", Notes: "text"},
	}
}

func TestExportRoundTrip(t *testing.T) {
	e := testExporter(t)
	passphrase := []byte("correct horse battery staple")

	id, err := e.Export("backup", testEmail, testExportItems(), passphrase)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	payload, err := e.Import("backup", passphrase)
	require.NoError(t, err)
	assert.Equal(t, testEmail, payload.Email)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, "pw", payload.Items[0].Password)
	assert.WithinDuration(t, time.Now(), payload.ExportedAt, time.Minute)
}

func TestExportRejectsEmptyPassphrase(t *testing.T) {
	e := testExporter(t)
	_, err := e.Export("backup", testEmail, testExportItems(), nil)
	assert.Error(t, err)
}

func TestImportWrongPassphrase(t *testing.T) {
	e := testExporter(t)
	_, err := e.Export("backup", testEmail, testExportItems(), []byte("right"))
	require.NoError(t, err)

	_, err = e.Import("backup", []byte("wrong"))
	assert.Error(t, err)
}

func TestExportListAndDelete(t *testing.T) {
	e := testExporter(t)
	id1, err := e.Export("first", testEmail, testExportItems(), []byte("p"))
	require.NoError(t, err)
	_, err = e.Export("second", testEmail, nil, []byte("p"))
	require.NoError(t, err)

	exports, err := e.List()
	require.NoError(t, err)
	require.Len(t, exports, 2)
	for _, info := range exports {
		assert.True(t, info.IsValid)
		assert.Equal(t, "passphrase", info.EncryptionMethod)
	}

	require.NoError(t, e.Delete(id1))
	exports, err = e.List()
	require.NoError(t, err)
	assert.Len(t, exports, 1)

	err = e.Delete(id1)
	assert.Error(t, err)
}
