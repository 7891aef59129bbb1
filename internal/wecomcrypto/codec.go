// Package wecomcrypto implements the WeCom message-callback crypto scheme:
// SHA-1 signatures over the sorted [token, timestamp, nonce, ciphertext]
// tuple, and AES-256-CBC payloads carrying a random prefix, a big-endian
// length, the message, and the receiver corp ID.
package wecomcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

const blockSize = 32 // PKCS#7 block for the WeCom scheme, not the AES block

// Codec verifies callback signatures and encrypts/decrypts callback payloads
// for one receiver corp ID.
type Codec struct {
	token      string
	aesKey     []byte
	receiverID string
}

// New builds a codec from the callback token, the 43-character EncodingAESKey
// and the receiver corp ID assigned by WeCom.
func New(token, encodingAESKey, receiverID string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil || len(key) != 32 {
		return nil, newError(BadKeyLength, "encoding AES key does not decode to 32 bytes")
	}
	return &Codec{token: token, aesKey: key, receiverID: receiverID}, nil
}

// Signature computes the callback signature: the token, timestamp, nonce and
// ciphertext are sorted lexicographically, concatenated and SHA-1 hashed.
func (c *Codec) Signature(timestamp, nonce, ciphertext string) string {
	parts := []string{c.token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the signature and compares it to the received one in
// constant time. A length mismatch is always a failure.
func (c *Codec) Verify(received, timestamp, nonce, ciphertext string) bool {
	expected := c.Signature(timestamp, nonce, ciphertext)
	if len(received) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// Decrypt decodes and decrypts a base64 ciphertext, strips the padding and
// the envelope, checks the receiver ID, and returns the plaintext message.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, newError(DecryptFailed, "ciphertext is not valid base64")
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, newError(DecryptFailed, "ciphertext length is not a block multiple")
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, newError(BadKeyLength, "cipher init failed")
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = stripPKCS7(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, newError(DecryptFailed, "payload too short")
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, newError(DecryptFailed, "message length exceeds payload")
	}
	msg := plain[20 : 20+msgLen]
	receiver := string(plain[20+msgLen:])

	if receiver != c.receiverID {
		return nil, newError(InvalidRecipient, "receiver ID mismatch")
	}
	return msg, nil
}

// Encrypt packs [random16 | len4 | msg | receiverID], pads and encrypts it,
// and returns the base64 ciphertext.
func (c *Codec) Encrypt(msg []byte) (string, error) {
	prefix := make([]byte, 16)
	if _, err := rand.Read(prefix); err != nil {
		return "", newError(EncryptFailed, "random prefix generation failed")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))

	plain := make([]byte, 0, 20+len(msg)+len(c.receiverID)+blockSize)
	plain = append(plain, prefix...)
	plain = append(plain, lenBuf[:]...)
	plain = append(plain, msg...)
	plain = append(plain, c.receiverID...)
	plain = padPKCS7(plain)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", newError(BadKeyLength, "cipher init failed")
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

func padPKCS7(data []byte) []byte {
	pad := blockSize - len(data)%blockSize
	if pad == 0 {
		pad = blockSize
	}
	for i := 0; i < pad; i++ {
		data = append(data, byte(pad))
	}
	return data
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, newError(DecryptFailed, "empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize || pad > len(data) {
		return nil, newError(DecryptFailed, "invalid padding byte")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, newError(DecryptFailed, "inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
