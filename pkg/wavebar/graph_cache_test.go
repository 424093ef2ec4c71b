package wavebar

import "testing"

func TestGraphCache_InsertLookupRemove(t *testing.T) {
	cache := NewGraphCache()
	cache.Insert(GraphObjectRecord{ObjectID: 41, StreamSerial: 41, OutputDeviceID: 3, AppName: "spotify"})
	cache.Insert(GraphObjectRecord{ObjectID: 42, StreamSerial: 42, OutputDeviceID: 7, AppName: "qobuz-player"})

	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}

	rec, ok := cache.FindBySerial(42)
	if !ok || rec.OutputDeviceID != 7 {
		t.Fatalf("FindBySerial(42) = %+v, %v", rec, ok)
	}

	if _, ok := cache.Remove(42); !ok {
		t.Fatalf("expected Remove(42) to report a stored record")
	}

	if _, ok := cache.Lookup(42); ok {
		t.Errorf("Lookup(42) found a removed record")
	}
	if _, ok := cache.FindBySerial(42); ok {
		t.Errorf("FindBySerial(42) found a removed record")
	}
	if _, ok := cache.FindByAppName("qobuz"); ok {
		t.Errorf("FindByAppName found a removed record")
	}

	if _, ok := cache.Remove(42); ok {
		t.Errorf("second Remove(42) should report nothing stored")
	}
}

func TestGraphCache_InsertReplaces(t *testing.T) {
	cache := NewGraphCache()
	cache.Insert(GraphObjectRecord{ObjectID: 5, StreamSerial: 5, OutputDeviceID: 1})
	cache.Insert(GraphObjectRecord{ObjectID: 5, StreamSerial: 5, OutputDeviceID: 2})

	rec, ok := cache.Lookup(5)
	if !ok || rec.OutputDeviceID != 2 {
		t.Fatalf("expected replaced record on device 2, got %+v", rec)
	}
	if cache.Len() != 1 {
		t.Errorf("expected a single entry, got %d", cache.Len())
	}
}

func TestGraphCache_FindByAppName(t *testing.T) {
	cache := NewGraphCache()
	cache.Insert(GraphObjectRecord{ObjectID: 90, StreamSerial: 90, OutputDeviceID: 4, AppName: "Chromium"})
	cache.Insert(GraphObjectRecord{ObjectID: 12, StreamSerial: 12, OutputDeviceID: 7, AppName: "qobuz-player"})
	cache.Insert(GraphObjectRecord{ObjectID: 30, StreamSerial: 30, OutputDeviceID: 8, AppName: "qobuz-player"})
	cache.Insert(GraphObjectRecord{ObjectID: 31, StreamSerial: 31, OutputDeviceID: 9})

	tests := []struct {
		name   string
		hint   string
		wantID uint32
		wantOK bool
	}{
		{"exact", "qobuz-player", 12, true},
		{"substring", "qobuz", 12, true},
		{"ignores case", "chromium", 90, true},
		{"upper case hint", "QOBUZ", 12, true},
		{"empty hint", "", 0, false},
		{"absent", "spotify", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := cache.FindByAppName(tt.hint)
			if ok != tt.wantOK {
				t.Fatalf("FindByAppName(%q) ok = %v, want %v", tt.hint, ok, tt.wantOK)
			}
			if ok && rec.ObjectID != tt.wantID {
				t.Errorf("FindByAppName(%q) = #%d, want #%d", tt.hint, rec.ObjectID, tt.wantID)
			}
		})
	}
}

func TestCacheMatcher_NameFallback(t *testing.T) {
	cache := NewGraphCache()
	cache.Insert(GraphObjectRecord{ObjectID: 12, StreamSerial: 12, OutputDeviceID: 7, AppName: "qobuz-player"})

	got := CacheMatcher{cache: cache}.FindStream(0, "qobuz-player")
	want := ResolvedTarget{StreamSerial: 12, OutputDeviceID: 7, Found: true}
	if got != want {
		t.Errorf("FindStream = %+v, want %+v", got, want)
	}

	if miss := (CacheMatcher{cache: cache}).FindStream(1234, ""); miss.Found || miss.StreamSerial != -1 {
		t.Errorf("expected unresolved target, got %+v", miss)
	}
}
