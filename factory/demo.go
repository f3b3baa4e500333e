package factory

import (
	_ "embed"
)

//go:embed demo_catalog.json
var demoCatalog []byte

// DemoCatalogJSON returns a small household economy: four users, gold,
// gems, crystals and experience, a few quests of each kind, two markets,
// trophies and ranks. Used by the server's -seed demo flag and by tests.
func DemoCatalogJSON() []byte {
	out := make([]byte, len(demoCatalog))
	copy(out, demoCatalog)
	return out
}

// DemoCatalog parses DemoCatalogJSON.
func DemoCatalog() (*Catalog, error) {
	return ParseCatalog(DemoCatalogJSON())
}
