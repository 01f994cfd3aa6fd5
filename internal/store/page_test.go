package store

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPageHeader_FieldRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	initPage(buf, PageTypeData, 42)
	setPageRightSibling(buf, 99)
	setPageTimestamp(buf, 12345)
	setPageKeyCount(buf, 7)

	if pageType(buf) != PageTypeData {
		t.Errorf("type mismatch: %v", pageType(buf))
	}
	if pageAddrOf(buf) != 42 {
		t.Errorf("addr mismatch: %d", pageAddrOf(buf))
	}
	if pageRightSibling(buf) != 99 {
		t.Errorf("sibling mismatch: %d", pageRightSibling(buf))
	}
	if pageTimestamp(buf) != 12345 {
		t.Errorf("ts mismatch: %d", pageTimestamp(buf))
	}
	if pageKeyCount(buf) != 7 {
		t.Errorf("keyCount mismatch: %d", pageKeyCount(buf))
	}
}

func TestPageCRC_DetectsCorruption(t *testing.T) {
	buf := make([]byte, 1024)
	initPage(buf, PageTypeData, 1)
	setPageCRC(buf)
	if err := verifyPageCRC(buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[500] ^= 0xFF
	if err := verifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC error after corruption")
	}
}

func TestValidPageSize(t *testing.T) {
	for _, ps := range []int{1024, 2048, 4096, 8192, 16384} {
		if !ValidPageSize(ps) {
			t.Errorf("page size %d rejected", ps)
		}
	}
	for _, ps := range []int{0, 512, 3000, 32768, 1000} {
		if ValidPageSize(ps) {
			t.Errorf("page size %d accepted", ps)
		}
	}
}

func TestSlottedPage_WriteReadRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	initPage(buf, PageTypeData, 1)
	entries := []pageEntry{
		{key: []byte("apple"), value: []byte("1")},
		{key: []byte("application"), value: []byte("2")},
		{key: []byte("apply"), value: []byte("3")},
		{key: []byte("banana"), value: []byte("4")},
	}
	if err := writePageEntries(buf, entries); err != nil {
		t.Fatalf("write entries: %v", err)
	}
	// EBC must elide the shared "appl" prefix.
	ebc, _, _, _ := slotEntryAt(buf, 1)
	if ebc != 4 {
		t.Errorf("expected EBC 4 for 'application' after 'apple', got %d", ebc)
	}
	got, err := readPageEntries(buf)
	if err != nil {
		t.Fatalf("read entries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("entry count %d != %d", len(got), len(entries))
	}
	for i := range entries {
		if !bytes.Equal(got[i].key, entries[i].key) || !bytes.Equal(got[i].value, entries[i].value) {
			t.Errorf("entry %d mismatch: %q/%q", i, got[i].key, got[i].value)
		}
	}
}

func TestSlottedPage_FullPageRejected(t *testing.T) {
	buf := make([]byte, 1024)
	initPage(buf, PageTypeData, 1)
	var entries []pageEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, pageEntry{
			key:   []byte(fmt.Sprintf("key-%04d", i)),
			value: bytes.Repeat([]byte{'x'}, 64),
		})
	}
	if err := writePageEntries(buf, entries); err == nil {
		t.Fatal("expected page-full error")
	}
	if entriesFit(entries, 1024) {
		t.Fatal("entriesFit disagrees with writePageEntries")
	}
}

func TestSearchEntries(t *testing.T) {
	entries := []pageEntry{
		{key: []byte("b")}, {key: []byte("d")}, {key: []byte("f")},
	}
	if i, found := searchEntries(entries, []byte("d")); !found || i != 1 {
		t.Errorf("exact: got (%d,%v)", i, found)
	}
	if i, found := searchEntries(entries, []byte("c")); found || i != 1 {
		t.Errorf("between: got (%d,%v)", i, found)
	}
	if i, found := searchEntries(entries, []byte("a")); found || i != 0 {
		t.Errorf("below: got (%d,%v)", i, found)
	}
	if i, found := searchEntries(entries, []byte("z")); found || i != 3 {
		t.Errorf("above: got (%d,%v)", i, found)
	}
}

func TestChildValueRoundTrip(t *testing.T) {
	if got := childAddr(childValue(0xDEADBEEF)); got != 0xDEADBEEF {
		t.Fatalf("child addr roundtrip: %x", got)
	}
	if childAddr([]byte{1, 2}) != InvalidPageAddr {
		t.Fatal("short child value must decode invalid")
	}
}
