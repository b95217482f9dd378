package sampler

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// perf record wire format, little-endian:
//
//	struct perf_event_header { u32 type; u16 misc; u16 size; };
//
// followed, for PERF_RECORD_SAMPLE with IP|CALLCHAIN, by:
//
//	u64 ip; u64 nr; u64 ips[nr];
const perfHeaderSize = 8

// parseRecord decodes one complete perf record. Non-sample record
// types decode to KindMetadata with no payload; the engine skips them.
func parseRecord(buf []byte) (Record, error) {
	typ := binary.LittleEndian.Uint32(buf[0:4])
	if typ != unix.PERF_RECORD_SAMPLE {
		return Record{Kind: KindMetadata}, nil
	}

	body := buf[perfHeaderSize:]
	if len(body) < 16 {
		return Record{}, fmt.Errorf("truncated sample record: %d payload bytes", len(body))
	}
	ip := binary.LittleEndian.Uint64(body[0:8])
	nr := binary.LittleEndian.Uint64(body[8:16])
	body = body[16:]
	if uint64(len(body)) < nr*8 {
		return Record{}, fmt.Errorf("truncated call chain: want %d frames, have %d bytes", nr, len(body))
	}

	chain := make([]uint64, 0, nr)
	for i := uint64(0); i < nr; i++ {
		pc := binary.LittleEndian.Uint64(body[i*8 : i*8+8])
		// The kernel interleaves context marker frames
		// (PERF_CONTEXT_USER and friends) with real pcs; drop them.
		if pc >= perfContextMax {
			continue
		}
		chain = append(chain, pc)
	}
	return Record{Kind: KindSample, IP: ip, Callchain: chain}, nil
}

// perfContextMax is the lowest PERF_CONTEXT_* marker value
// ((u64)-4096); call-chain entries at or above it are markers, not pcs.
const perfContextMax = ^uint64(0) - 4095
