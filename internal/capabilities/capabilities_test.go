package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSuite runs the same checks against every Store implementation.
func storeSuite(t *testing.T, s Store) {
	t.Helper()

	assert.Equal(t, Unknown, s.Get("ftp.example.com:21", TLSResumption))

	s.Set("ftp.example.com:21", TLSResumption, Yes)
	s.Set("ftp.example.com:21", Resume4GB, No)
	assert.Equal(t, Yes, s.Get("ftp.example.com:21", TLSResumption))
	assert.Equal(t, No, s.Get("ftp.example.com:21", Resume4GB))
	assert.Equal(t, Unknown, s.Get("other.example.com:21", TLSResumption))

	s.Set("ftp.example.com:21", TLSResumption, Unknown)
	assert.Equal(t, Unknown, s.Get("ftp.example.com:21", TLSResumption))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	storeSuite(t, NewMemory())
}

func TestBadger(t *testing.T) {
	t.Parallel()
	b, err := OpenBadger("", nil)
	require.NoError(t, err)
	defer b.Close()
	storeSuite(t, b)
}

func TestBadgerPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	b, err := OpenBadger(dir, nil)
	require.NoError(t, err)
	b.Set("srv", EPSV, No)
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, No, b.Get("srv", EPSV))
}

func TestTriString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "yes", Yes.String())
	assert.Equal(t, "no", No.String())
}
