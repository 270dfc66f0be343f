package badger

// Key namespace:
//
//	cfg:global     GlobalConfig (JSON)
//	u:<username>   User (JSON)
//	g:<groupname>  Group (JSON)
//	s:<sharename>  Share (JSON)
//
// Entities are stored one per key so the database can be inspected with
// badger's CLI; saves still replace the whole document in one transaction.
const (
	keyGlobal    = "cfg:global"
	prefixUser   = "u:"
	prefixGroup  = "g:"
	prefixShare  = "s:"
	prefixConfig = "cfg:"
)

var allPrefixes = []string{prefixConfig, prefixUser, prefixGroup, prefixShare}

func userKey(name string) []byte  { return []byte(prefixUser + name) }
func groupKey(name string) []byte { return []byte(prefixGroup + name) }
func shareKey(name string) []byte { return []byte(prefixShare + name) }
