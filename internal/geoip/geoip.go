package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is what the capture pipeline records on a session. Latitude
// and longitude are the city centroid and only used as a dispatch
// fallback when the device sent no GPS fix.
type Location struct {
	Country   string
	City      string
	Latitude  float64
	Longitude float64
	HasCoords bool
}

type Resolver struct {
	db *maxminddb.Reader
}

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// New opens a MaxMind city database. A missing or unreadable database
// disables geolocation instead of failing startup.
func New(dbPath string) (*Resolver, error) {
	if dbPath == "" {
		return &Resolver{}, nil
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		slog.Warn("geoip: failed to open database, geolocation disabled", "path", dbPath, "error", err)
		return &Resolver{}, nil
	}
	slog.Info("geoip: loaded database", "path", dbPath)
	return &Resolver{db: db}, nil
}

func (r *Resolver) Lookup(ipStr string) Location {
	if r.db == nil || ipStr == "" {
		return Location{}
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Location{}
	}
	var rec mmdbRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return Location{}
	}
	loc := Location{
		Country:   rec.Country.ISOCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	loc.HasCoords = loc.Latitude != 0 || loc.Longitude != 0
	return loc
}

func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
