package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Headers carrying a signed request.
const (
	HeaderSigner    = "X-Bidround-Signer"
	HeaderSignature = "X-Bidround-Signature"
)

// ErrBadSignature is returned when a signature is malformed or recovers to
// a different account than the one claimed.
var ErrBadSignature = errors.New("crypto: bad signature")

// RequestMessage is the text a caller signs to authenticate one request:
//
//	"<METHOD> <PATH>\n<hex sha256 of body>"
func RequestMessage(method, path string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + " " + path + "\n" + hex.EncodeToString(sum[:]))
}

// Signer signs requests with a secp256k1 key using EIP-191 personal_sign,
// so any Ethereum wallet can produce the same signature.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the account of the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignText returns the 65-byte personal_sign signature of msg, hex encoded
// with v in {27, 28}.
func (s *Signer) SignText(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest signs RequestMessage(method, path, body).
func (s *Signer) SignRequest(method, path string, body []byte) (string, error) {
	return s.SignText(RequestMessage(method, path, body))
}

// RecoverText returns the account that produced a personal_sign signature
// over msg. Both v conventions ({0,1} and {27,28}) are accepted.
func RecoverText(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sigHex is claimed's signature over the request.
func VerifyRequest(method, path string, body []byte, claimed common.Address, sigHex string) error {
	got, err := RecoverText(RequestMessage(method, path, body), sigHex)
	if err != nil {
		return err
	}
	if got != claimed {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrBadSignature, got.Hex(), claimed.Hex())
	}
	return nil
}
