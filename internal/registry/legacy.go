package registry

import "maps"

// LegacyResolver maps identifiers used by older deployments onto current
// procedure UIDs.
type LegacyResolver interface {
	ResolveLegacy(id string) (uid string, ok bool)
}

// AliasTable is a LegacyResolver backed by a fixed alias map.
type AliasTable map[string]string

// NewAliasTable copies aliases into a new table.
func NewAliasTable(aliases map[string]string) AliasTable {
	return AliasTable(maps.Clone(aliases))
}

func (t AliasTable) ResolveLegacy(id string) (string, bool) {
	uid, ok := t[id]
	return uid, ok && uid != ""
}
