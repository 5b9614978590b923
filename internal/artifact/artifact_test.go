package artifact

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDocumentKeyIsContentAddressed(t *testing.T) {
	a := DocumentKey("doc1", []byte("one"))
	b := DocumentKey("doc1", []byte("two"))
	if a == b {
		t.Fatal("different content produced the same key")
	}
	if a != DocumentKey("doc1", []byte("one")) {
		t.Fatal("key is not stable")
	}
	if !strings.HasPrefix(a, "documents/doc1/") || !strings.HasSuffix(a, ".pdf") {
		t.Fatalf("unexpected key layout: %s", a)
	}
	if len(Digest(nil)) != 64 {
		t.Fatalf("unexpected digest length")
	}
}

func TestFSRoundTrip(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	key := DocumentKey("doc1", []byte("%PDF"))
	if err := store.Put(ctx, key, []byte("%PDF"), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("%PDF")) {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := store.Get(ctx, "documents/missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	for _, key := range []string{"../etc/passwd", "/abs/path", "."} {
		if err := store.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	data := []byte("abc")
	_ = m.Put(context.Background(), "k", data, "")
	data[0] = 'z'
	got, _ := m.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Fatalf("stored data was aliased: %q", got)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"My Contract.pdf":      "My_Contract.pdf",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\scan.png`: "scan.png",
		".hidden":              "hidden",
		"":                     "file",
		"a*b?.pdf":             "ab.pdf",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
	if k := UploadKey("owner-1", "a.pdf", []byte("x")); !strings.HasPrefix(k, "uploads/owner-1/") || !strings.HasSuffix(k, "-a.pdf") {
		t.Fatalf("unexpected upload key %q", k)
	}
}
