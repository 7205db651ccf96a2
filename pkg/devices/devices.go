package devices

import "fmt"

type Kind string

const (
	CH341A Kind = "ch341a"
)

func (k Kind) String() string {
	switch k {
	case CH341A:
		return "CH341A"
	}
	return "UNKNOWN"
}

// Description is the USB identity of a supported bridge and the layout of its
// SPI stream interface.
type Description struct {
	VID, PID  uint16
	Kind      Kind
	Interface int
	// Bulk endpoint addresses.
	BulkOut, BulkIn uint8
}

func (d Description) String() string {
	return fmt.Sprintf("%s (%04x:%04x)", d.Kind, d.VID, d.PID)
}

var Descriptions = []Description{
	{
		VID:       0x1a86,
		PID:       0x5512,
		Kind:      CH341A,
		Interface: 0,
		BulkOut:   0x02,
		BulkIn:    0x82,
	},
}

// Lookup returns the description for a VID/PID pair. Unknown pairs are
// assumed to be CH341A-compatible clones and get the CH341A layout.
func Lookup(vid, pid uint16) Description {
	for _, d := range Descriptions {
		if d.VID == vid && d.PID == pid {
			return d
		}
	}
	d := Descriptions[0]
	d.VID = vid
	d.PID = pid
	return d
}
