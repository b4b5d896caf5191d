package geoip

import "testing"

func TestNew_EmptyPath(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
	if loc := r.Lookup("8.8.8.8"); loc.Country != "" || loc.City != "" || loc.HasCoords {
		t.Fatalf("expected empty location from disabled resolver, got %+v", loc)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNew_MissingDatabase(t *testing.T) {
	// Unreadable database degrades to a disabled resolver.
	r, err := New("/nonexistent/GeoLite2-City.mmdb")
	if err != nil {
		t.Fatalf("expected no error for missing database, got %v", err)
	}
	if loc := r.Lookup("8.8.8.8"); loc != (Location{}) {
		t.Fatalf("expected zero location, got %+v", loc)
	}
}

func TestLookup_BadIP(t *testing.T) {
	r, _ := New("")
	if loc := r.Lookup("not-an-ip"); loc != (Location{}) {
		t.Fatalf("expected zero location for invalid IP, got %+v", loc)
	}
}
