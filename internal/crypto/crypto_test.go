package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first development key.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSealAndLoadSeed(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := SealSeed(seed, "hunter2")
	require.NoError(t, err)

	got, err := OpenSeed(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	_, err = OpenSeed(sealed, "wrong")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))
	got, err = LoadSeed(SeedConfig{SealedSeedPath: path, Passphrase: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	raw, err := LoadSeed(SeedConfig{RawSeedHex: "0x" + hex.EncodeToString(seed), SealedSeedPath: path})
	require.NoError(t, err)
	assert.Equal(t, seed, raw)

	_, err = LoadSeed(SeedConfig{RawSeedHex: "abcd"})
	require.Error(t, err)
	_, err = LoadSeed(SeedConfig{})
	require.Error(t, err)
	_, err = SealSeed([]byte("short"), "pw")
	require.Error(t, err)
}

func TestRequestSignatureRecovers(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	body := []byte(`{"user":"0x01"}`)
	sig, err := s.SignRequest("post", "/api/rounds/r1/withdrawals", body)
	require.NoError(t, err)

	require.NoError(t, VerifyRequest("POST", "/api/rounds/r1/withdrawals", body, s.Address(), sig))

	err = VerifyRequest("POST", "/api/rounds/r2/withdrawals", body, s.Address(), sig)
	require.ErrorIs(t, err, ErrBadSignature)

	err = VerifyRequest("POST", "/api/rounds/r1/withdrawals", []byte(`{}`), s.Address(), sig)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = RecoverText([]byte("x"), "0x1234")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestRecoverAcceptsBothRecoveryConventions(t *testing.T) {
	pk, err := ethcrypto.HexToECDSA(testKey)
	require.NoError(t, err)
	s := NewSignerFromKey(pk)
	msg := []byte("hello")

	sig, err := s.SignText(msg)
	require.NoError(t, err)
	raw, err := hex.DecodeString(sig[2:])
	require.NoError(t, err)
	require.GreaterOrEqual(t, raw[64], byte(27))

	raw[64] -= 27
	got, err := RecoverText(msg, hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestWebhookAuth(t *testing.T) {
	h := &WebhookAuth{Key: "ops-hook", Secret: "s3cret-value"}
	body := []byte(`{"type":"round.closed"}`)
	headers := h.HeadersAt(body, 1700000000)

	assert.Equal(t, "ops-hook", headers[HeaderWebhookKey])
	assert.Equal(t, "1700000000", headers[HeaderWebhookTimestamp])
	assert.Len(t, headers[HeaderWebhookSignature], 64)

	now := time.Unix(1700000030, 0)
	require.NoError(t, h.Verify(body, headers[HeaderWebhookTimestamp], headers[HeaderWebhookSignature], now, time.Minute))

	err := h.Verify([]byte(`{}`), headers[HeaderWebhookTimestamp], headers[HeaderWebhookSignature], now, time.Minute)
	require.ErrorIs(t, err, ErrBadSignature)

	err = h.Verify(body, headers[HeaderWebhookTimestamp], headers[HeaderWebhookSignature], now.Add(time.Hour), time.Minute)
	require.ErrorIs(t, err, ErrStaleWebhook)

	assert.Equal(t, "WebhookAuth{key=ops-****, secret=s3cr****}", h.String())
}
