package persist

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store := openTestStore(t)

	cp := Checkpoint{
		Database: []byte(`{"byId":{},"byIdx":[]}`),
		History:  []byte(`{"untilBlock":"","list":[]}`),
		Source:   map[string][]string{"0-19": {"addr1", "addr2"}},
	}
	if err := store.Save("abc", cp); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Database) != string(cp.Database) {
		t.Errorf("database = %s, want %s", got.Database, cp.Database)
	}
	if string(got.History) != string(cp.History) {
		t.Errorf("history = %s, want %s", got.History, cp.History)
	}
	if !reflect.DeepEqual(got.Source, cp.Source) {
		t.Errorf("source = %+v, want %+v", got.Source, cp.Source)
	}
}

func TestLoadMissingAccountReturnsNoRows(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Load("nonexistent")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestSaveTwiceReplacesTheCheckpoint(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save("abc", Checkpoint{Database: []byte("v1"), Source: map[string][]string{}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("abc", Checkpoint{Database: []byte("v2"), Source: map[string][]string{}}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Database) != "v2" {
		t.Fatalf("database = %s, want v2", got.Database)
	}
}

func TestDeleteRemovesTheCheckpoint(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save("abc", Checkpoint{Database: []byte("v1"), Source: map[string][]string{}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("abc"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("abc"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows after delete", err)
	}
}

func TestSeparateAccountsDoNotCollide(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save("abc", Checkpoint{Database: []byte("abc-data"), Source: map[string][]string{}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("xyz", Checkpoint{Database: []byte("xyz-data"), Source: map[string][]string{}}); err != nil {
		t.Fatal(err)
	}

	gotAbc, err := store.Load("abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(gotAbc.Database) != "abc-data" {
		t.Fatalf("abc database = %s, want abc-data", gotAbc.Database)
	}

	gotXyz, err := store.Load("xyz")
	if err != nil {
		t.Fatal(err)
	}
	if string(gotXyz.Database) != "xyz-data" {
		t.Fatalf("xyz database = %s, want xyz-data", gotXyz.Database)
	}
}
