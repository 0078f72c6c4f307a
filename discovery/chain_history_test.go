package discovery

import "testing"

func TestChainHistoryAppendOrderAndNextIndex(t *testing.T) {
	db := NewTxDatabase()
	h := NewChainHistory(db)

	tx1 := db.Update(TxInfo{Id: "tx1"})
	tx2 := db.Update(TxInfo{Id: "tx2"})

	h.Append(3, tx1)
	h.Append(3, tx2)
	h.Append(1, tx1)

	if h.NextIndex() != 4 {
		t.Fatalf("nextIndex = %d, want 4", h.NextIndex())
	}

	list := h.HistoryOf(3)
	if len(list) != 2 || list[0].Id != "tx1" || list[1].Id != "tx2" {
		t.Fatalf("history[3] = %+v, want [tx1, tx2] in order", list)
	}
}

// TestChainHistoryAliasingViaTxDatabase is spec §9 Open Question 4's
// resolution: ChainHistory stores TxDatabase indices, so a later
// TxDatabase.Update rewriting a transaction's block context is visible
// through ChainHistory without ChainHistory doing anything.
func TestChainHistoryAliasingViaTxDatabase(t *testing.T) {
	db := NewTxDatabase()
	h := NewChainHistory(db)

	idx := db.Update(TxInfo{Id: "tx1", BlockHeight: 0})
	h.Append(0, idx)

	db.Update(TxInfo{Id: "tx1", BlockHeight: 500, BlockHash: "newblock"})

	got := h.HistoryOf(0)
	if len(got) != 1 || got[0].BlockHeight != 500 || got[0].BlockHash != "newblock" {
		t.Fatalf("history did not see the database rewrite: %+v", got)
	}
}

func TestChainHistoryStoreRestorePreservesGaps(t *testing.T) {
	db := NewTxDatabase()
	h := NewChainHistory(db)

	tx1 := db.Update(TxInfo{Id: "tx1"})
	h.Append(0, tx1)
	h.Append(4, tx1)
	h.SetUntilBlock("blockhash-1")

	blob := h.Store()
	if len(blob.List) != 5 {
		t.Fatalf("blob list len = %d, want 5 (positional, index 0..4)", len(blob.List))
	}
	if blob.List[1] != nil || blob.List[2] != nil || blob.List[3] != nil {
		t.Fatalf("expected nil gaps at unused indices, got %+v", blob.List)
	}

	restoredDB := NewTxDatabase()
	dbBlob, err := db.Store()
	if err != nil {
		t.Fatal(err)
	}
	if err := restoredDB.Restore(dbBlob); err != nil {
		t.Fatal(err)
	}

	restored := NewChainHistory(restoredDB)
	if err := restored.Restore(blob); err != nil {
		t.Fatal(err)
	}
	if restored.NextIndex() != 5 {
		t.Fatalf("restored nextIndex = %d, want 5", restored.NextIndex())
	}
	if restored.UntilBlock() != "blockhash-1" {
		t.Fatalf("untilBlock = %s", restored.UntilBlock())
	}
	if len(restored.HistoryOf(1)) != 0 {
		t.Fatalf("expected no history at gap index 1")
	}
	if len(restored.HistoryOf(4)) != 1 {
		t.Fatalf("expected one entry at index 4")
	}
}

func TestChainHistoryRestoreRejectsDanglingIndex(t *testing.T) {
	db := NewTxDatabase()
	h := NewChainHistory(db)

	blob := chainHistoryBlob{
		List: [][]TxInternalIndex{{0}},
	}
	if err := h.Restore(blob); err == nil {
		t.Fatal("expected error restoring a history referencing a missing tx index")
	}
}
