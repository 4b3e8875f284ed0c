package core

// HD wallet for the per-node payout identity used to sign price quotes
// and receive payment settlements.
//
// Features
// --------
//   * Ed25519 key-pairs (fast, deterministic).
//   * Hierarchical deterministic derivation (SLIP-0010-style, hardened
//     children only — ed25519 has no unhardened derivation).
//   * BIP-39 mnemonic utilities (12-/24-word recovery phrases).
//   * Payout address derivation (SHA-256/RIPEMD-160, 20 bytes) independent
//     from the routing-layer NetworkAddress keyspace.
//   * Quote signing wired for core.Quote.
//
// Import hygiene: wallet depends only on crypto/log/bip39, same as the
// teacher's original tier boundary — it does not import the routing or
// storage packages.

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"
)

const (
	hardenedOffset uint32 = 0x80000000

	masterHMACKey = "ed25519 seed" // SLIP-0010 master-key string
)

func SetWalletLogger(l *log.Logger) { globalLogger = l }

var globalLogger = log.New()

// Address is a 20-byte payout identity, independent of the routing
// layer's 32-byte NetworkAddress keyspace.
type Address [20]byte

// Hex returns the full hexadecimal representation of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Short returns a shortened version (first 4 + last 4 hex chars).
func (a Address) Short() string {
	full := hex.EncodeToString(a[:])
	if len(full) <= 8 {
		return full
	}
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

// HDWallet keeps master key material in-memory only. Never persist the
// private fields directly; callers needing durability should encrypt the
// seed at the storage boundary instead.
type HDWallet struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

// Seed returns a copy of the wallet's master seed. Callers should
// securely wipe the returned slice after use.
func (w *HDWallet) Seed() []byte {
	out := make([]byte, len(w.seed))
	copy(out, w.seed)
	return out
}

// NewRandomWallet generates entropyBits (128/256) of RNG entropy and
// returns the derived wallet plus its recovery mnemonic. The caller must
// wipe or securely store the mnemonic.
func NewRandomWallet(entropyBits int) (*HDWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := NewHDWalletFromSeed(seed, globalLogger)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// WalletFromMnemonic imports an existing BIP-39 phrase.
func WalletFromMnemonic(mnemonic, passphrase string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewHDWalletFromSeed(seed, globalLogger)
}

func NewHDWalletFromSeed(seed []byte, lg *log.Logger) (*HDWallet, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}
	I := hmacSHA512([]byte(masterHMACKey), seed)
	w := &HDWallet{
		seed:        seed,
		masterKey:   I[:32],
		masterChain: I[32:],
		logger:      lg,
	}
	lg.Infof("wallet: master key initialised (%d bytes seed)", len(seed))
	return w, nil
}

// derivePrivate returns the key material & new chain-code for a
// (hardened) index. Only hardened derivation is supported for ed25519 —
// index must already carry the hardened offset.
func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("non-hardened derivation not supported for ed25519")
	}
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)

	I := hmacSHA512(parentChain, data)
	return I[:32], I[32:], nil
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// PrivateKey returns the ed25519 key pair for derivation path
// m / account' / index'.
func (w *HDWallet) PrivateKey(account, index uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	account |= hardenedOffset
	index |= hardenedOffset

	k1, c1, err := derivePrivate(w.masterKey, w.masterChain, account)
	if err != nil {
		return nil, nil, err
	}
	k2, _, err := derivePrivate(k1, c1, index)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(k2)
	pub := priv.Public().(ed25519.PublicKey)
	return priv, pub, nil
}

// pubKeyToAddress derives a 20-byte payout Address from an ed25519 public
// key: SHA-256(pub) -> RIPEMD-160.
func pubKeyToAddress(pub ed25519.PublicKey) Address {
	sha := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sha[:])
	var out Address
	copy(out[:], r.Sum(nil))
	return out
}

// NewAddress derives account+index and returns its payout Address.
func (w *HDWallet) NewAddress(account, index uint32) (Address, error) {
	_, pub, err := w.PrivateKey(account, index)
	if err != nil {
		return Address{}, err
	}
	return pubKeyToAddress(pub), nil
}

// SignQuote derives (account, index), stamps q.RewardsAddress/QuotedAt
// and attaches an ed25519 signature over the quote hash.
func (w *HDWallet) SignQuote(q *Quote, account, index uint32) error {
	if q == nil {
		return errors.New("nil quote")
	}
	priv, pub, err := w.PrivateKey(account, index)
	if err != nil {
		return err
	}
	addr := pubKeyToAddress(pub)
	q.RewardsAddress = NewNamedAddress(KindPeer, addr[:])
	q.QuotedAt = time.Now()

	hash := q.Hash()
	q.Signature = ed25519.Sign(priv, hash[:])

	w.logger.Debugf("signed quote for %s by %s (account %d idx %d)", q.Peer, addr.Short(), account, index)
	return nil
}

// VerifyQuoteSignature checks q.Signature against pub over q.Hash().
func VerifyQuoteSignature(q Quote, pub ed25519.PublicKey) bool {
	hash := q.Hash()
	return ed25519.Verify(pub, hash[:], q.Signature)
}

// RandomMnemonicEntropy produces cryptographically-secure random entropy
// of the given number of bits.
func RandomMnemonicEntropy(bits int) ([]byte, error) {
	if bits%32 != 0 {
		return nil, errors.New("entropy bits must be multiple of 32")
	}
	b := make([]byte, bits/8)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe zeroes a byte slice in-place (best-effort — GC may still hold a copy).
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
