package deploy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plbridge/plbridge/types"
)

func withStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(types.CatalogOptions{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func wasmBundle(name string, code ...byte) Bundle {
	sum := types.ChecksumOf(code)
	return Bundle{Name: name, Kind: KindWasm, Code: code, Checksum: sum.Bytes()}
}

func TestInstallGetList(t *testing.T) {
	s := withStore(t)
	require.NoError(t, s.Install(wasmBundle("beta", 1, 2)))
	require.NoError(t, s.Install(Bundle{Name: "alpha", Kind: KindGo, Permissions: []types.Permission{types.PermissionSPI}}))

	err := s.Install(wasmBundle("beta", 3))
	require.ErrorIs(t, err, ErrBundleExists)
	require.ErrorIs(t, s.Install(wasmBundle("a:b")), ErrInvalidName)

	b, err := s.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, KindWasm, b.Kind)
	assert.Equal(t, []byte{1, 2}, b.Code)
	assert.NotZero(t, b.InstalledAt)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, []types.Permission{types.PermissionSPI}, all[0].Permissions)
	assert.Equal(t, "beta", all[1].Name)

	_, err = s.Get("gamma")
	require.ErrorIs(t, err, ErrBundleNotFound)
}

func TestReplace(t *testing.T) {
	s := withStore(t)
	require.ErrorIs(t, s.Replace(wasmBundle("x", 1)), ErrBundleNotFound)
	require.NoError(t, s.Install(wasmBundle("x", 1)))
	require.NoError(t, s.Replace(wasmBundle("x", 9, 9)))
	b, err := s.Get("x")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, b.Code)
}

func TestClasspaths(t *testing.T) {
	s := withStore(t)
	require.NoError(t, s.Install(wasmBundle("a", 1)))
	require.NoError(t, s.Install(wasmBundle("b", 2)))

	require.ErrorIs(t, s.SetClasspath("public", []string{"a", "missing"}), ErrBundleNotFound)
	require.NoError(t, s.SetClasspath("public", ParseClasspath("a: b:")))
	require.NoError(t, s.SetClasspath("util", []string{"b"}))

	path, err := s.Classpath("public")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, path)
	assert.Equal(t, "a:b", FormatClasspath(path))

	path, err = s.Classpath("nothing")
	require.NoError(t, err)
	assert.Nil(t, path)

	// removing a bundle drops it from every classpath
	removed, err := s.Remove("b")
	require.NoError(t, err)
	assert.Equal(t, "b", removed.Name)
	all, err := s.Classpaths()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"public": {"a"}}, all)
	assert.Equal(t, []string{"public"}, SortedSchemas(all))

	require.NoError(t, s.SetClasspath("public", nil))
	path, err = s.Classpath("public")
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = s.Remove("b")
	require.ErrorIs(t, err, ErrBundleNotFound)
}

func TestPersistentCatalogLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(types.CatalogOptions{BaseDir: dir, Backend: "goleveldb"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Install(wasmBundle("kept", 7)))
	require.NoError(t, s.SetClasspath("public", []string{"kept"}))

	_, err = Open(types.CatalogOptions{BaseDir: dir}, zerolog.Nop())
	require.Error(t, err)

	require.NoError(t, s.Close())
	s, err = Open(types.CatalogOptions{BaseDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	b, err := s.Get("kept")
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, b.Code)
	path, err := s.Classpath("public")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, path)
}
