package busdev

import "github.com/sigurn/crc8"

// SMBus packet error code, CRC-8 with polynomial x^8+x^2+x+1.
var pecTable = crc8.MakeTable(crc8.CRC8)

// PEC computes the packet error code over the concatenated parts, address
// bytes included.
func PEC(parts ...[]byte) byte {
	crc := crc8.Init(pecTable)
	for _, p := range parts {
		crc = crc8.Update(crc, p, pecTable)
	}
	return crc8.Complete(crc, pecTable)
}
