package macie

// The ASICs stamp a chip identifier into a reserved telemetry cell of every
// frame.  Comparing the decoded id against the camera the data was
// attributed to detects readout desynchronization.

// ChipTable maps physical chip ids to logical camera indices.
type ChipTable map[uint16]int

// NewChipTable builds a table from a config list where position i holds the
// chip id expected on logical camera i.
func NewChipTable(ids []uint16) ChipTable {
	t := make(ChipTable, len(ids))
	for i, id := range ids {
		t[id] = i
	}
	return t
}

// Lookup returns the logical camera index for a chip id.  ok is false for
// ids not in the table, which callers should treat as a desync of unknown
// origin.
func (t ChipTable) Lookup(id uint16) (cam int, ok bool) {
	cam, ok = t[id]
	return cam, ok
}

// DecodeChipID extracts the chip id from the telemetry cell of a per-camera,
// row-major frame buffer.
func DecodeChipID(frame []uint16, width, row, col int) uint16 {
	idx := row*width + col
	if idx < 0 || idx >= len(frame) {
		return 0
	}
	return frame[idx]
}
