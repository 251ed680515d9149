package encryption

import (
	"fmt"
	"io"

	"docsync/internal/engine"
)

// NoneEncryptor passes data through unchanged, for deployments where the
// vault medium is already trusted and for tests that assert on blob bytes.
type NoneEncryptor struct{}

var _ engine.Encryptor = (*NoneEncryptor)(nil)

// NewNoneEncryptor creates a passthrough encryptor.
func NewNoneEncryptor() *NoneEncryptor {
	return &NoneEncryptor{}
}

func (*NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (*NoneEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
