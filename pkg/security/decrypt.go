package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

const (
	decryptTimeout = 10 * time.Second

	// maxPasswordBytes caps the helper's output
	maxPasswordBytes = 4096
)

// Decrypter turns an encrypted key-password file into plaintext. Callers own
// the returned slice and must Zero it as soon as the key is decrypted.
type Decrypter interface {
	Decrypt(ctx context.Context, passwordFile string) ([]byte, error)
}

// DecryptFunc adapts a function to Decrypter
type DecryptFunc func(ctx context.Context, passwordFile string) ([]byte, error)

// Decrypt implements Decrypter
func (f DecryptFunc) Decrypt(ctx context.Context, passwordFile string) ([]byte, error) {
	return f(ctx, passwordFile)
}

// HelperDecrypter runs a separate helper executable that prints the
// plaintext password for the file given as its only argument. Keeping the
// native decryption library out of this process confines it to the helper.
type HelperDecrypter struct {
	Path string
}

// Decrypt implements Decrypter. The helper's stdout is read into one fixed
// buffer that is zeroed before returning.
func (h HelperDecrypter) Decrypt(ctx context.Context, passwordFile string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, decryptTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.Path, passwordFile)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("password helper %s: %w", h.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("password helper %s failed: %w", h.Path, err)
	}

	buf := make([]byte, maxPasswordBytes)
	defer Zero(buf)

	n, readErr := io.ReadFull(stdout, buf)
	overflow := false
	if readErr == nil {
		var extra [1]byte
		if m, _ := stdout.Read(extra[:]); m > 0 {
			overflow = true
			Zero(extra[:])
			cancel()
		}
	}
	waitErr := cmd.Wait()

	switch {
	case overflow:
		return nil, fmt.Errorf("password helper %s printed more than %d bytes", h.Path, maxPasswordBytes)
	case readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("reading password helper %s output: %w", h.Path, readErr)
	case waitErr != nil:
		return nil, fmt.Errorf("password helper %s failed: %w (%s)", h.Path, waitErr, bytes.TrimSpace(stderr.Bytes()))
	}

	trimmed := bytes.TrimRight(buf[:n], "\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("password helper %s returned an empty password", h.Path)
	}

	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

// Zero overwrites b in place
func Zero(b []byte) {
	clear(b)
}
