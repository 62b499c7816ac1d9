package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/kms"
)

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	assert.False(t, FileExists(path))

	require.NoError(t, os.WriteFile(path, []byte("DB_FILE_PATH: /tmp/x.db\n"), 0o600))
	assert.True(t, FileExists(path))
}

func TestSetupDigestSignerLocal(t *testing.T) {
	priv := common.RandBytes32()
	ds, err := setupDigestSigner(&RelayerServerConfig{
		SignerLocalPriv: common.ByteSliceToPureHexStr(priv[:]),
	})
	require.NoError(t, err)

	_, ok := ds.(*kms.LocalSigner)
	assert.True(t, ok)

	pub, err := ds.PublicKeyDER(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pub)
}

func TestSetupDigestSignerRemote(t *testing.T) {
	ds, err := setupDigestSigner(&RelayerServerConfig{
		SignerServiceUrl: "https://kms.internal:8443",
		SignerKeyId:      "key-1",
		SignerAuthToken:  "secret",
	})
	require.NoError(t, err)

	_, ok := ds.(*kms.RemoteSigner)
	assert.True(t, ok)
}

func TestSetupDigestSignerMissingConfig(t *testing.T) {
	_, err := setupDigestSigner(&RelayerServerConfig{})
	assert.Error(t, err)
}
