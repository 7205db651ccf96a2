package flash

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"

	"howett.net/plist"
)

// Chip describes a known flash part.
type Chip struct {
	Name string
	// Size in bytes.
	Size int
}

// SizeCode returns log2 of the chip size, the same encoding used by the
// capacity byte of JEDEC IDs and CFI.
func (c Chip) SizeCode() byte {
	return byte(bits.TrailingZeros(uint(c.Size)))
}

// ChipDB maps JEDEC IDs to chips.
type ChipDB map[[3]byte]Chip

var KnownChips = ChipDB{
	{0xef, 0x40, 0x14}: {Name: "Winbond W25Q80", Size: 1 << 20},
	{0xef, 0x40, 0x15}: {Name: "Winbond W25Q16", Size: 2 << 20},
	{0xef, 0x40, 0x16}: {Name: "Winbond W25Q32", Size: 4 << 20},
	{0xef, 0x40, 0x17}: {Name: "Winbond W25Q64", Size: 8 << 20},
	{0xef, 0x40, 0x18}: {Name: "Winbond W25Q128", Size: 16 << 20},
	{0xef, 0x70, 0x18}: {Name: "Winbond W25Q128 (QPI)", Size: 16 << 20},
	{0xc2, 0x20, 0x15}: {Name: "Macronix MX25L1606E", Size: 2 << 20},
	{0xc2, 0x20, 0x16}: {Name: "Macronix MX25L3206E", Size: 4 << 20},
	{0xc2, 0x20, 0x17}: {Name: "Macronix MX25L6406E", Size: 8 << 20},
	{0xc2, 0x20, 0x18}: {Name: "Macronix MX25L12835F", Size: 16 << 20},
	{0x20, 0xba, 0x16}: {Name: "Micron N25Q032", Size: 4 << 20},
	{0x20, 0xba, 0x18}: {Name: "Micron N25Q128", Size: 16 << 20},
	{0x01, 0x02, 0x15}: {Name: "Spansion S25FL032P", Size: 4 << 20},
	{0x01, 0x20, 0x18}: {Name: "Spansion S25FL128P", Size: 16 << 20},
	{0xc8, 0x40, 0x16}: {Name: "GigaDevice GD25Q32", Size: 4 << 20},
	{0xc8, 0x40, 0x17}: {Name: "GigaDevice GD25Q64", Size: 8 << 20},
	{0xbf, 0x25, 0x41}: {Name: "SST SST25VF016B", Size: 2 << 20},
}

// Lookup returns the chip with the given JEDEC ID.
func (db ChipDB) Lookup(id [3]byte) (Chip, bool) {
	c, ok := db[id]
	return c, ok
}

// Merge returns a new database containing db overlaid with other.
func (db ChipDB) Merge(other ChipDB) ChipDB {
	res := make(ChipDB, len(db)+len(other))
	for k, v := range db {
		res[k] = v
	}
	for k, v := range other {
		res[k] = v
	}
	return res
}

type chipEntry struct {
	Name  string `plist:"Name"`
	JEDEC string `plist:"JEDEC"`
	Size  int    `plist:"Size"`
}

// LoadChipDB parses a property list describing additional chips, for example:
//
//	<plist version="1.0"><array>
//	  <dict>
//	    <key>Name</key><string>Winbond W25Q256</string>
//	    <key>JEDEC</key><string>EF4019</string>
//	    <key>Size</key><integer>33554432</integer>
//	  </dict>
//	</array></plist>
func LoadChipDB(r io.Reader) (ChipDB, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read chip database: %w", err)
	}
	var entries []chipEntry
	if _, err := plist.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("could not parse chip database: %w", err)
	}
	db := make(ChipDB)
	for i, e := range entries {
		raw, err := hex.DecodeString(e.JEDEC)
		if err != nil || len(raw) != 3 {
			return nil, fmt.Errorf("entry %d (%q): invalid JEDEC ID %q", i, e.Name, e.JEDEC)
		}
		if e.Size <= 0 || bits.OnesCount(uint(e.Size)) != 1 {
			return nil, fmt.Errorf("entry %d (%q): size %d is not a power of two", i, e.Name, e.Size)
		}
		db[[3]byte(raw)] = Chip{Name: e.Name, Size: e.Size}
	}
	return db, nil
}
