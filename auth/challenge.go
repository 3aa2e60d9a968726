package auth

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// nonceSize matches the "≥64 bytes" requirement for challenge nonces.
const nonceSize = 64

// generateNonce mints a fresh random nonce for a Challenge authorization.
func generateNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.New(xerrors.Internal, "auth.generateNonce", err)
	}
	return nonce, nil
}

// challengeDigest hashes a nonce the same way Merkle state hashing does:
// both the handshake and the commit protocol reuse blake2b-256 so the
// module needs only one hash family, and the signed message ends up a
// fixed size regardless of nonce length.
func challengeDigest(nonce []byte) ([]byte, error) {
	sum := blake2b.Sum256(nonce)
	return sum[:], nil
}

// signChallenge signs nonce's digest with priv, the requester side's half
// of AuthChallengeSubmitRequest.
func signChallenge(priv *btcec.PrivateKey, nonce []byte) (pubKey, signature []byte, err error) {
	digest, err := challengeDigest(nonce)
	if err != nil {
		return nil, nil, err
	}
	sig := ecdsa.Sign(priv, digest)
	return priv.PubKey().SerializeCompressed(), sig.Serialize(), nil
}

// verifyChallenge checks that signature is a valid signature over nonce's
// digest under the claimed compressed public key.
func verifyChallenge(nonce, pubKeyBytes, signature []byte) (*btcec.PublicKey, error) {
	digest, err := challengeDigest(nonce)
	if err != nil {
		return nil, err
	}

	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return nil, xerrors.New(xerrors.ProtocolViolation, "auth.verifyChallenge", err)
	}

	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return nil, xerrors.New(xerrors.ProtocolViolation, "auth.verifyChallenge", err)
	}

	if !sig.Verify(digest, pubKey) {
		return nil, xerrors.New(xerrors.ProtocolViolation, "auth.verifyChallenge", nil)
	}
	return pubKey, nil
}
