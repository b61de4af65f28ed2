// Package aead implements the transport encryption modes negotiated with the
// voice server. Every mode seals the RTP payload with the RTP header (and the
// extension header, if any) as additional data, and appends a 4-byte
// big-endian nonce counter after the authentication tag:
//
//	| header (AAD) | ciphertext | tag | nonce counter (4) |
//
// The counter occupies the first four bytes of the mode's nonce; the rest of
// the nonce is zero.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/crypto/chacha20poly1305"
)

// Mode is the name of an encryption mode as announced by the voice server.
type Mode string

const (
	AES256GCM         Mode = "aead_aes256_gcm_rtpsize"
	XChaCha20Poly1305 Mode = "aead_xchacha20_poly1305_rtpsize"
)

// DefaultModes is the default preference order passed to Negotiate.
var DefaultModes = []Mode{AES256GCM, XChaCha20Poly1305}

// KeySize is the size of the secret key sent in the session description.
const KeySize = 32

// CounterSize is the size of the nonce counter appended to each packet.
const CounterSize = 4

var (
	// ErrUnsupportedMode is returned if no mode can be agreed on, or if a
	// mode is not known to this package.
	ErrUnsupportedMode = errors.New("unsupported encryption mode")
	// ErrDecrypt is returned when a packet fails authentication.
	ErrDecrypt = errors.New("failed to decrypt packet")
	// ErrShortPacket is returned when a packet is too small to carry the
	// header, tag and nonce counter.
	ErrShortPacket = errors.New("packet too short")
)

// Negotiate picks the first mode of preferred that the server offers. It fails
// instead of silently falling back to a mode that wasn't asked for.
func Negotiate(preferred []Mode, offered []string) (Mode, error) {
	if len(preferred) == 0 {
		preferred = DefaultModes
	}

	for _, want := range preferred {
		for _, have := range offered {
			if string(want) == have {
				return want, nil
			}
		}
	}

	return "", errors.Wrapf(ErrUnsupportedMode, "server offers %v, want one of %v", offered, preferred)
}

// Cipher seals and opens packets for one mode and key.
type Cipher struct {
	mode Mode
	aead cipher.AEAD
}

// NewCipher creates a Cipher for the given mode and key.
func NewCipher(mode Mode, key [KeySize]byte) (*Cipher, error) {
	var (
		a   cipher.AEAD
		err error
	)

	switch mode {
	case AES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err == nil {
			a, err = cipher.NewGCM(block)
		}
	case XChaCha20Poly1305:
		a, err = chacha20poly1305.NewX(key[:])
	default:
		return nil, errors.Wrapf(ErrUnsupportedMode, "%q", mode)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s cipher", mode)
	}

	return &Cipher{mode: mode, aead: a}, nil
}

// Mode returns the cipher's mode.
func (c *Cipher) Mode() Mode { return c.mode }

// Overhead returns the number of bytes Seal adds after the plaintext.
func (c *Cipher) Overhead() int { return c.aead.Overhead() + CounterSize }

// Seal appends the encrypted packet to dst and returns it. aad is copied in
// the clear; plaintext is encrypted and authenticated along with it.
func (c *Cipher) Seal(dst, aad, plaintext []byte, counter uint32) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, counter)

	dst = append(dst, aad...)
	dst = c.aead.Seal(dst, nonce, plaintext, aad)
	return binary.BigEndian.AppendUint32(dst, counter)
}

// Open authenticates and decrypts packet, whose first aadLen bytes are the
// clear header. The plaintext is appended to dst.
func (c *Cipher) Open(dst, packet []byte, aadLen int) ([]byte, error) {
	if aadLen < 0 || len(packet) < aadLen+c.Overhead() {
		return nil, ErrShortPacket
	}

	end := len(packet) - CounterSize

	nonce := make([]byte, c.aead.NonceSize())
	copy(nonce, packet[end:])

	out, err := c.aead.Open(dst, nonce, packet[aadLen:end], packet[:aadLen])
	if err != nil {
		return nil, ErrDecrypt
	}

	return out, nil
}

// NonceCounter hands out packet nonces. The counter wraps at 2^32.
type NonceCounter struct {
	n atomic.Uint32
}

// Next returns the next nonce value.
func (c *NonceCounter) Next() uint32 {
	return c.n.Inc() - 1
}

// Set sets the value returned by the next call to Next.
func (c *NonceCounter) Set(v uint32) { c.n.Store(v) }

// ErrNoKey is returned by a Box that has no cipher yet.
var ErrNoKey = errors.New("no session key")

// Box holds the current Cipher of a session together with its send nonce
// counter. The cipher is swapped whenever a new session description arrives;
// all packetizers of a session share one Box so nonces never repeat under a
// key.
type Box struct {
	cipher atomic.Pointer[Cipher]
	nonce  NonceCounter
}

// Use replaces the cipher and restarts the nonce counter.
func (b *Box) Use(c *Cipher) {
	b.nonce.Set(0)
	b.cipher.Store(c)
}

// Cipher returns the current cipher, or nil.
func (b *Box) Cipher() *Cipher { return b.cipher.Load() }

// Seal seals a packet with the current cipher and the next nonce.
func (b *Box) Seal(dst, aad, plaintext []byte) ([]byte, error) {
	c := b.cipher.Load()
	if c == nil {
		return nil, ErrNoKey
	}
	return c.Seal(dst, aad, plaintext, b.nonce.Next()), nil
}

// Open opens a packet with the current cipher.
func (b *Box) Open(dst, packet []byte, aadLen int) ([]byte, error) {
	c := b.cipher.Load()
	if c == nil {
		return nil, ErrNoKey
	}
	return c.Open(dst, packet, aadLen)
}
