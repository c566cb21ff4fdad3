package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/errors"
)

func TestEnvResolve(t *testing.T) {
	t.Setenv("CANOPY_TEST_TOKEN", "s3cret")

	value, err := Env{}.Resolve(context.Background(), "CANOPY_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)

	_, err = Env{}.Resolve(context.Background(), "CANOPY_TEST_MISSING")
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestFileResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("okta_token: abc123\n"), 0o600))

	source, err := NewFile(path)
	require.NoError(t, err)

	value, err := source.Resolve(context.Background(), "okta_token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", value)

	_, err = source.Resolve(context.Background(), "github_token")
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	source, err := Open(ctx, "env", nil)
	require.NoError(t, err)
	require.NotNil(t, source)

	_, err = Open(ctx, "vault", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Open(ctx, "file", map[string]string{"path": filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}
