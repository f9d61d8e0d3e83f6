package credential

import "testing"

func TestNewAndBytes(t *testing.T) {
	c := New("sk-test-key")
	got, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(got) != "sk-test-key" {
		t.Fatalf("Bytes = %q", got)
	}
}

func TestEmptyKeyIsMissing(t *testing.T) {
	c := New("")
	if _, err := c.Bytes(); err != ErrMissing {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	if c.String() != "" {
		t.Fatalf("String() = %q, want empty", c.String())
	}
}

func TestZeroOverwritesBuffer(t *testing.T) {
	c := New("sk-test-key")
	c.Zero()
	if _, err := c.Bytes(); err != ErrMissing {
		t.Fatalf("err = %v, want ErrMissing after Zero", err)
	}
}

func TestZeroIsIdempotent(t *testing.T) {
	c := New("sk-test-key")
	c.Zero()
	c.Zero()
	if _, err := c.Bytes(); err != ErrMissing {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
}

func TestZeroOnNilIsSafe(t *testing.T) {
	var c *Credential
	c.Zero()
	if _, err := c.Bytes(); err != ErrMissing {
		t.Fatalf("err = %v, want ErrMissing for nil credential", err)
	}
}

func TestStringReturnsHeldKey(t *testing.T) {
	c := New("sk-another-key")
	if c.String() != "sk-another-key" {
		t.Fatalf("String() = %q", c.String())
	}
}
