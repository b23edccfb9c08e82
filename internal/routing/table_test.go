package routing

import "testing"

func TestInsertAndLookup(t *testing.T) {
	tbl := New()
	tbl.Insert(0x0A000002, RouteEntry{Peer: 42, Conn: 7, HasConn: true, DisplayName: "alice"})

	entry, ok := tbl.Lookup(0x0A000002)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if entry.Peer != 42 || entry.Conn != 7 || entry.Addr != 0x0A000002 {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestInsertOverwritesPriorEntryForSameAddress(t *testing.T) {
	tbl := New()
	tbl.Insert(0x0A000002, RouteEntry{Peer: 1, DisplayName: "first"})
	tbl.Insert(0x0A000002, RouteEntry{Peer: 2, DisplayName: "second"})

	entry, ok := tbl.Lookup(0x0A000002)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if entry.Peer != 2 || entry.DisplayName != "second" {
		t.Errorf("overwrite did not take effect: %+v", entry)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestRemoveByPeer(t *testing.T) {
	tbl := New()
	tbl.Insert(0x0A000002, RouteEntry{Peer: 42})
	tbl.Insert(0x0A000003, RouteEntry{Peer: 99})

	addr, ok := tbl.RemoveByPeer(42)
	if !ok || addr != 0x0A000002 {
		t.Fatalf("RemoveByPeer(42) = (%#x, %v), want (0x0A000002, true)", addr, ok)
	}
	if _, ok := tbl.Lookup(0x0A000002); ok {
		t.Error("entry should be gone after RemoveByPeer")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	if _, ok := tbl.RemoveByPeer(42); ok {
		t.Error("RemoveByPeer should report false for an already-removed peer")
	}
}

func TestLookupByPeer(t *testing.T) {
	tbl := New()
	tbl.Insert(0x0A000005, RouteEntry{Peer: 7, DisplayName: "bob"})

	entry, ok := tbl.LookupByPeer(7)
	if !ok {
		t.Fatal("expected to find entry by peer")
	}
	if entry.Addr != 0x0A000005 {
		t.Errorf("Addr = %#x, want 0x0A000005", entry.Addr)
	}

	if _, ok := tbl.LookupByPeer(404); ok {
		t.Error("expected LookupByPeer to fail for unknown peer")
	}
}

func TestSnapshotReflectsAllEntries(t *testing.T) {
	tbl := New()
	tbl.Insert(0x0A000002, RouteEntry{Peer: 1, IsLocal: true})
	tbl.Insert(0x0A000003, RouteEntry{Peer: 2})
	tbl.Insert(0x0A000004, RouteEntry{Peer: 3})

	snap := tbl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(snap))
	}

	localCount := 0
	for _, e := range snap {
		if e.IsLocal {
			localCount++
		}
	}
	if localCount != 1 {
		t.Errorf("expected exactly one local entry, got %d", localCount)
	}
}

func TestExactlyOneLocalEntryInvariantIsCallerEnforced(t *testing.T) {
	// The table itself does not enforce "exactly one is_local=true" — that
	// invariant belongs to the bridge, which only ever inserts one local
	// entry (its own). This test documents that Insert will happily accept
	// a second local=true entry if a caller misbehaves, since enforcing it
	// here would require knowledge the table doesn't have.
	tbl := New()
	tbl.Insert(0x0A000002, RouteEntry{Peer: 1, IsLocal: true})
	tbl.Insert(0x0A000003, RouteEntry{Peer: 2, IsLocal: true})
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
}
