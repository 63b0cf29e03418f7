package rudp

import "github.com/zeebo/blake3"

// datagramChecksum is the first four bytes of the BLAKE3 digest of a
// datagram, appended as a trailer when checksums are enabled.
func datagramChecksum(data []byte) uint32 {
	sum := blake3.Sum256(data)
	return be.Uint32(sum[:checksumSize])
}

// appendChecksum seals a datagram.
func appendChecksum(datagram []byte) []byte {
	return be.AppendUint32(datagram, datagramChecksum(datagram))
}

// verifyChecksum strips and checks the trailer.
func verifyChecksum(datagram []byte) ([]byte, bool) {
	if len(datagram) < checksumSize {
		return nil, false
	}
	body := datagram[:len(datagram)-checksumSize]
	return body, be.Uint32(datagram[len(body):]) == datagramChecksum(body)
}
