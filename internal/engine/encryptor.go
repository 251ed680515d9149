package engine

import "io"

// Encryptor protects backup blobs at rest. The engine runs unattended, so
// both directions work from configured key files with no prompting.
// The "none" implementation passes data through unchanged.
type Encryptor interface {
	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Decrypt reads ciphertext from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
