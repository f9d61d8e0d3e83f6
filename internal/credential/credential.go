// Package credential holds the model API key in a buffer that is
// explicitly zeroed before it is released, rather than left for the
// garbage collector to reclaim on its own schedule.
package credential

import "errors"

// ErrMissing is returned by Bytes when no key was ever set — neither the
// config file's api_key nor the OPENAI_API_KEY environment variable.
var ErrMissing = errors.New("credential: api key missing")

// Credential holds a single secret value in a mutable byte buffer so it can
// be zeroed in place. The zero value is a credential with no key set.
type Credential struct {
	buf    []byte
	zeroed bool
}

// New copies key into a fresh Credential. An empty key yields a Credential
// that reports ErrMissing from Bytes.
func New(key string) *Credential {
	if key == "" {
		return &Credential{}
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	return &Credential{buf: buf}
}

// Bytes returns the held key, or ErrMissing if none was ever set or it has
// already been zeroed. The returned slice aliases the Credential's internal
// buffer and must not be retained past the next call to Zero.
func (c *Credential) Bytes() ([]byte, error) {
	if c == nil || len(c.buf) == 0 {
		return nil, ErrMissing
	}
	return c.buf, nil
}

// String returns the held key as a string, or "" if none is set. Prefer
// Bytes when the caller can avoid the extra copy a string forces.
func (c *Credential) String() string {
	if c == nil || len(c.buf) == 0 {
		return ""
	}
	return string(c.buf)
}

// Zero overwrites the held key with zero bytes. Safe to call more than
// once, and safe to call on a nil Credential.
func (c *Credential) Zero() {
	if c == nil || c.zeroed {
		return
	}
	for i := range c.buf {
		c.buf[i] = 0
	}
	c.zeroed = true
}
