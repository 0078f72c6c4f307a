package discovery

import "testing"

func TestTxDatabaseUpdateInsertsThenOverwrites(t *testing.T) {
	db := NewTxDatabase()

	idx1 := db.Update(TxInfo{Id: "tx1", BlockHeight: 0})
	if db.Len() != 1 {
		t.Fatalf("len = %d", db.Len())
	}

	idx2 := db.Update(TxInfo{Id: "tx1", BlockHeight: 100, BlockHash: "abc"})
	if idx1 != idx2 {
		t.Fatalf("internal index changed on overwrite: %d -> %d", idx1, idx2)
	}
	if db.Len() != 1 {
		t.Fatalf("overwrite should not grow the database, len = %d", db.Len())
	}

	info, ok := db.InfoOf(idx1)
	if !ok || info.BlockHeight != 100 || info.BlockHash != "abc" {
		t.Fatalf("info = %+v", info)
	}
}

// TestTxDatabaseRoundTrip is spec §8 universal invariant 2: every
// TxInfo is retrievable via infoOf(indexOf(id)) and structurally equal
// to what was stored.
func TestTxDatabaseRoundTrip(t *testing.T) {
	db := NewTxDatabase()
	want := TxInfo{Id: "tx1", BlockHeight: 42, BlockHash: "deadbeef", BlockIndex: 3}
	db.Update(want)

	idx, ok := db.IndexOf(want.Id)
	if !ok {
		t.Fatal("indexOf missed a known id")
	}
	got, ok := db.InfoOf(idx)
	if !ok {
		t.Fatal("infoOf missed a known index")
	}
	if got.Id != want.Id || got.BlockHeight != want.BlockHeight || got.BlockHash != want.BlockHash || got.BlockIndex != want.BlockIndex {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTxDatabaseStoreRestore(t *testing.T) {
	db := NewTxDatabase()
	db.Update(TxInfo{Id: "tx1", BlockHeight: 1})
	db.Update(TxInfo{Id: "tx2", BlockHeight: 2})

	blob, err := db.Store()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewTxDatabase()
	if err := restored.Restore(blob); err != nil {
		t.Fatal(err)
	}

	if restored.Len() != 2 {
		t.Fatalf("len = %d", restored.Len())
	}
	idx1, ok := restored.IndexOf("tx1")
	if !ok || idx1 != 0 {
		t.Fatalf("tx1 index = %d, %v", idx1, ok)
	}
	idx2, ok := restored.IndexOf("tx2")
	if !ok || idx2 != 1 {
		t.Fatalf("tx2 index = %d, %v", idx2, ok)
	}
}

func TestTxDatabaseRestoreRejectsDuplicateIds(t *testing.T) {
	db := NewTxDatabase()
	db.Update(TxInfo{Id: "tx1"})
	blob, err := db.Store()
	if err != nil {
		t.Fatal(err)
	}
	blob = append(blob, blob[0])

	restored := NewTxDatabase()
	if err := restored.Restore(blob); err == nil {
		t.Fatal("expected error restoring duplicate ids")
	}
}
