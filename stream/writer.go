package stream

import (
	"github.com/replicore/objnet/version"
)

// Split frames payload into a sequence of Records of the given kind for
// one (object, version), chunked to at most chunkSize bytes each so no
// fragment exceeds an RSP datagram's payload budget. compressorID tags
// every record produced (spec §4.5's per-stream compressor-id);
// callers that want compression call Compress(payload) first and pass
// its result and returned id straight through here, so TotalSize always
// reflects what actually travels on the wire.
func Split(kind Kind, object version.ObjectID, targetInstance, senderInstance version.InstanceID, ver version.ID, payload []byte, chunkSize int, compressorID uint8) []*Record {
	if chunkSize <= 0 {
		chunkSize = len(payload)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	total := uint64(len(payload))
	if len(payload) == 0 {
		return []*Record{{
			Kind: kind, Object: object, TargetInstance: targetInstance,
			SenderInstance: senderInstance, Version: ver, TotalSize: 0,
			CompressorID: compressorID, ChunkCount: 1, Sequence: 0, Last: true, Payload: nil,
		}}
	}

	var chunks [][]byte
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}

	records := make([]*Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = &Record{
			Kind:           kind,
			Object:         object,
			TargetInstance: targetInstance,
			SenderInstance: senderInstance,
			Version:        ver,
			CompressorID:   compressorID,
			ChunkCount:     uint32(len(chunks)),
			TotalSize:      total,
			Sequence:       uint32(i),
			Last:           i == len(chunks)-1,
			Payload:        chunk,
		}
	}
	return records
}
