package vibesync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// testArchiveStore exercises the ArchiveStore contract shared by all
// backends.
func testArchiveStore(t *testing.T, store ArchiveStore) {
	t.Helper()
	ctx := context.Background()

	writes := map[string][]byte{
		"bulk/tasks/snap-1": []byte("payload one"),
		"bulk/tasks/snap-2": []byte("payload two"),
		"dead-letter/op-9":  []byte(`{"id":"op-9"}`),
	}
	for key, data := range writes {
		if err := store.Write(ctx, key, data); err != nil {
			t.Fatalf("Write(%s): %v", key, err)
		}
	}

	for key, want := range writes {
		got, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read(%s): %v", key, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Read(%s) = %q, want %q", key, got, want)
		}
	}

	keys, err := store.List(ctx, "bulk/tasks/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"bulk/tasks/snap-1", "bulk/tasks/snap-2"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("expected keys %v, got %v", want, keys)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 keys, got %v", all)
	}

	// Overwrites replace.
	if err := store.Write(ctx, "bulk/tasks/snap-1", []byte("replaced")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Read(ctx, "bulk/tasks/snap-1")
	if err != nil {
		t.Fatalf("Read after overwrite: %v", err)
	}
	if string(got) != "replaced" {
		t.Errorf("expected overwrite to replace, got %q", got)
	}

	if err := store.Delete(ctx, "dead-letter/op-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Read(ctx, "dead-letter/op-9"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "dead-letter/op-9"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}

	if _, err := store.Read(ctx, "never/written"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for unknown key, got %v", err)
	}
}

func TestMemoryArchive(t *testing.T) {
	testArchiveStore(t, NewMemoryArchive())
}

func TestMemoryArchive_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArchive()

	data := []byte("original")
	if err := store.Write(ctx, "k", data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data[0] = 'X'

	got, err := store.Read(ctx, "k")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("expected stored copy unaffected by caller mutation, got %q", got)
	}

	got[0] = 'Y'
	again, _ := store.Read(ctx, "k")
	if string(again) != "original" {
		t.Errorf("expected returned copy isolated, got %q", again)
	}
}

func TestFileArchive(t *testing.T) {
	store, err := NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	testArchiveStore(t, store)
}

func TestFileArchive_RequiresPath(t *testing.T) {
	if _, err := NewFileArchive(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestFileArchive_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	if err := store.Write(ctx, "bulk/tasks/snap-1", []byte("kept")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reopened, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Read(ctx, "bulk/tasks/snap-1")
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got) != "kept" {
		t.Errorf("expected payload to survive reopen, got %q", got)
	}
}

func TestFileArchive_ListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	if err := store.Write(ctx, "bulk/a", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A crashed write leaves a temp file behind; it must not surface as a key.
	if err := os.WriteFile(filepath.Join(dir, "bulk", "b.tmp"), []byte("partial"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	keys, err := store.List(ctx, "bulk/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "bulk/a" {
		t.Errorf("expected only bulk/a, got %v", keys)
	}
}

func TestEncryptedArchive(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{0x2b}, 32)
	encryptor, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	inner := NewMemoryArchive()
	store := NewEncryptedArchive(inner, encryptor)

	plaintext := []byte("sensitive dead letter payload")
	if err := store.Write(ctx, "dead-letter/op-1", plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The inner store must hold ciphertext only.
	raw, err := inner.Read(ctx, "dead-letter/op-1")
	if err != nil {
		t.Fatalf("inner Read: %v", err)
	}
	if bytes.Contains(raw, plaintext) {
		t.Error("expected payload encrypted at rest")
	}

	got, err := store.Read(ctx, "dead-letter/op-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected round trip, got %q", got)
	}

	keys, err := store.List(ctx, "dead-letter/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 key, got %v", keys)
	}
}

func TestNewArchive(t *testing.T) {
	store, err := NewArchive(ArchiveConfig{}, nil)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	if _, ok := store.(*MemoryArchive); !ok {
		t.Errorf("expected memory archive by default, got %T", store)
	}

	store, err = NewArchive(ArchiveConfig{Backend: ArchiveBackendFile, Path: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewArchive file: %v", err)
	}
	if _, ok := store.(*FileArchive); !ok {
		t.Errorf("expected file archive, got %T", store)
	}

	encryptor, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: bytes.Repeat([]byte{1}, 32)})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	store, err = NewArchive(ArchiveConfig{}, encryptor)
	if err != nil {
		t.Fatalf("NewArchive encrypted: %v", err)
	}
	if _, ok := store.(*EncryptedArchive); !ok {
		t.Errorf("expected encrypted wrapper, got %T", store)
	}

	if _, err := NewArchive(ArchiveConfig{Backend: "tape"}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := NewArchive(ArchiveConfig{Backend: ArchiveBackendS3}, nil); err == nil {
		t.Error("expected error for s3 backend without configuration")
	}
}

func TestNewS3Archive_RequiresBucket(t *testing.T) {
	if _, err := NewS3Archive(S3ArchiveConfig{}); err == nil {
		t.Error("expected error without bucket")
	}
}
