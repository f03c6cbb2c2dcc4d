package ltgeo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/geoip2-golang/v2"
)

// Location est le résultat d'une résolution IP → géographie
type Location struct {
	Country string
	Region  string
	City    string
}

// Resolver enrichit les visiteurs avec une base GeoLite2 City locale
type Resolver struct {
	reader *geoip2.Reader
}

func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("impossible d'ouvrir la base geoip %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	return r.reader.Close()
}

// Lookup résout une adresse IP, best-effort: toute erreur retourne
// une Location vide
func (r *Resolver) Lookup(ip string) Location {
	if r == nil {
		return Location{}
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}
	}

	record, err := r.reader.City(addr)
	if err != nil {
		return Location{}
	}

	loc := Location{
		Country: record.Country.Names.English,
		City:    record.City.Names.English,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names.English
	}
	return loc
}
