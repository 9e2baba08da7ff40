package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

const (
	metadataSignature = 0x424A5342 // "BSJB"
	pdbStreamName     = "#Pdb"
	pdbIDLength       = 20
)

var errNotPortablePDB = errors.New("not a portable pdb")

// pdbSignatureKey reads the PDB id of a portable PDB and formats it as a
// symbol server key: the id GUID without dashes followed by an age of
// ffffffff.
func pdbSignatureKey(data []byte) (string, error) {
	id, err := readPDBID(data)
	if err != nil {
		return "", err
	}
	return formatGUID(id[:16]) + "ffffffff", nil
}

// readPDBID walks the metadata root to the #Pdb stream and returns its
// leading 20 byte id.
func readPDBID(data []byte) ([]byte, error) {
	r := &byteReader{data: data}

	if sig, ok := r.u32(); !ok || sig != metadataSignature {
		return nil, errNotPortablePDB
	}
	// major, minor, reserved
	if !r.skip(2 + 2 + 4) {
		return nil, errNotPortablePDB
	}
	versionLength, ok := r.u32()
	if !ok || !r.skip(int(versionLength)) {
		return nil, errNotPortablePDB
	}
	// flags
	if !r.skip(2) {
		return nil, errNotPortablePDB
	}
	streams, ok := r.u16()
	if !ok {
		return nil, errNotPortablePDB
	}

	for range int(streams) {
		offset, ok1 := r.u32()
		size, ok2 := r.u32()
		name, ok3 := r.streamName()
		if !ok1 || !ok2 || !ok3 {
			return nil, errNotPortablePDB
		}
		if name != pdbStreamName {
			continue
		}
		if size < pdbIDLength || uint64(offset)+pdbIDLength > uint64(len(data)) {
			return nil, errNotPortablePDB
		}
		return data[offset : offset+pdbIDLength], nil
	}
	return nil, errNotPortablePDB
}

// formatGUID renders 16 GUID bytes in mixed-endian layout as 32 lowercase
// hex digits.
func formatGUID(b []byte) string {
	var out [16]byte
	binary.BigEndian.PutUint32(out[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(out[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(out[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(out[8:], b[8:16])
	return hex.EncodeToString(out[:])
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) skip(n int) bool {
	if n < 0 || r.pos+n > len(r.data) {
		return false
	}
	r.pos += n
	return true
}

func (r *byteReader) u16() (uint16, bool) {
	if r.pos+2 > len(r.data) {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, true
}

func (r *byteReader) u32() (uint32, bool) {
	if r.pos+4 > len(r.data) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, true
}

// streamName reads a null terminated name padded to a four byte boundary.
func (r *byteReader) streamName() (string, bool) {
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 || end > 32 {
		return "", false
	}
	name := string(r.data[r.pos : r.pos+end])
	padded := (end + 4) &^ 3
	if !r.skip(padded) {
		return "", false
	}
	return name, true
}
