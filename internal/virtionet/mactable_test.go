package virtionet

import "testing"

func TestMACTableSetEntriesAndOverflow(t *testing.T) {
	tbl := newMACTable()
	entries := make([][6]byte, 3)
	for i := range entries {
		entries[i] = [6]byte{0, 0, 0, 0, 0, byte(i)}
	}
	tbl.setEntries(entries, 0)
	if tbl.overflow {
		t.Fatal("3 entries under cap should not overflow")
	}
	if !tbl.contains(entries[1]) {
		t.Fatal("expected entry to be present after setEntries")
	}

	tooMany := make([][6]byte, ctrlMACTableLen+1)
	for i := range tooMany {
		tooMany[i] = [6]byte{0, 0, 0, 0, 1, byte(i)}
	}
	tbl.setEntries(tooMany, 0)
	if !tbl.overflow {
		t.Fatal("exceeding ctrlMACTableLen should set overflow")
	}
	if tbl.len() != 0 {
		t.Fatal("overflowing setEntries should clear the table")
	}
}

func TestMACTableRespectsSiblingLength(t *testing.T) {
	tbl := newMACTable()
	// Sibling (e.g. unicast) already holds 60 entries; only 4 more fit.
	entries := make([][6]byte, 5)
	for i := range entries {
		entries[i] = [6]byte{0, 0, 0, 0, 0, byte(i)}
	}
	tbl.setEntries(entries, 60)
	if !tbl.overflow {
		t.Fatal("5 entries with 60 already committed elsewhere should overflow (cap 64)")
	}
}

func TestMACTableClearOnEmpty(t *testing.T) {
	tbl := newMACTable()
	tbl.setEntries([][6]byte{{1, 1, 1, 1, 1, 1}}, 0)
	tbl.setEntries(nil, 0)
	if tbl.len() != 0 || tbl.overflow {
		t.Fatal("setEntries(nil) should clear the table without setting overflow")
	}
}

func TestMACAllocatorAllocateMarkReleaseCycle(t *testing.T) {
	a := &macAllocator{}
	mac, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if mac != FirstDefaultMAC {
		t.Fatalf("first allocation should be FirstDefaultMAC, got %v", mac)
	}
	second, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if second == mac {
		t.Fatal("second allocation must not reuse the first suffix while it's held")
	}
	a.release(mac)
	third, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if third != mac {
		t.Fatalf("expected released suffix to be reused, got %v want %v", third, mac)
	}
}

func TestMACAllocatorIgnoresForeignOUI(t *testing.T) {
	a := &macAllocator{}
	foreign := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	a.markUsed(foreign)
	mac, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if mac != FirstDefaultMAC {
		t.Fatal("marking a foreign-OUI MAC must not consume a default-OUI suffix")
	}
}
