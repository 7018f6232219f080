package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/alnah/go-pdfgate/internal/render"
)

func TestNew_Disabled(t *testing.T) {
	t.Parallel()

	var r *Results = New(Config{Size: 0})
	if r != nil {
		t.Fatal("New(Size 0) should return nil")
	}
	if r.Add("k", Entry{PDF: []byte("x")}) {
		t.Error("disabled cache accepted an entry")
	}
	if _, ok := r.Get("k"); ok {
		t.Error("disabled cache returned a hit")
	}
	if r.Len() != 0 {
		t.Error("disabled cache has entries")
	}
	r.Purge()
}

func TestResults_AddGet(t *testing.T) {
	t.Parallel()

	r := New(Config{Size: 2, TTL: time.Minute})
	pdf := []byte("%PDF-1.7")

	if !r.Add("a", Entry{PDF: pdf, ContentHash: "h"}) {
		t.Fatal("Add() rejected a small entry")
	}
	got, ok := r.Get("a")
	if !ok || !bytes.Equal(got.PDF, pdf) || got.ContentHash != "h" {
		t.Errorf("Get(a) = %+v, %v", got, ok)
	}

	// LRU eviction: a was just used, so b goes first.
	r.Add("b", Entry{PDF: pdf})
	r.Get("a")
	r.Add("c", Entry{PDF: pdf})
	if _, ok := r.Get("b"); ok {
		t.Error("least recently used entry b was kept")
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("recently used entry a was evicted")
	}
}

func TestResults_MaxEntryBytes(t *testing.T) {
	t.Parallel()

	r := New(Config{Size: 4, MaxEntryBytes: 8})
	if r.Add("big", Entry{PDF: make([]byte, 9)}) {
		t.Error("Add() accepted an entry over the size limit")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestResults_TTL(t *testing.T) {
	t.Parallel()

	r := New(Config{Size: 4, TTL: 20 * time.Millisecond})
	r.Add("k", Entry{PDF: []byte("x")})
	time.Sleep(60 * time.Millisecond)
	if _, ok := r.Get("k"); ok {
		t.Error("expired entry returned")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	a4 := render.Options{Format: render.FormatA4}
	letter := render.Options{Format: render.FormatLetter}

	base := Key("acme", "hash", a4)
	if base != Key("acme", "hash", a4) {
		t.Error("Key() is not deterministic")
	}
	for name, other := range map[string]string{
		"tenant":  Key("globex", "hash", a4),
		"content": Key("acme", "other", a4),
		"options": Key("acme", "hash", letter),
	} {
		if other == base {
			t.Errorf("Key() ignores %s", name)
		}
	}
}
