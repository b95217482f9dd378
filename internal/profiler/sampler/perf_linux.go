package sampler

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ring buffer sizing: 1 metadata page + 2^ringPages data pages.
const ringPages = 8

// PerfEvent is a Source backed by a Linux perf_event counter sampling
// the task CPU clock of a single thread.
type PerfEvent struct {
	fd       int
	mmap     []byte
	meta     *unix.PerfEventMmapPage
	data     []byte
	overflow []byte // staging buffer for records wrapping the ring edge
}

// Open creates a sampler for the thread tid. period is the sampling
// period in nanoseconds of task CPU time; wakeup is the number of
// samples per ring-buffer wakeup.
//
// Open failing is a per-thread startup error: the caller proceeds
// without samples for that thread.
func Open(tid int, period uint64, wakeup uint32) (*PerfEvent, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_TASK_CLOCK,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      period,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_CALLCHAIN,
		Wakeup:      wakeup,
		Bits:        unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeIdle,
	}

	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open for thread %d: %w", tid, err)
	}

	pageSize := unix.Getpagesize()
	size := (1 + (1 << ringPages)) * pageSize
	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping perf ring for thread %d: %w", tid, err)
	}

	pe := &PerfEvent{
		fd:   fd,
		mmap: mmap,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0])),
		data: mmap[pageSize:],
	}
	return pe, nil
}

// Start enables sample production.
func (pe *PerfEvent) Start() error {
	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("enabling sampler: %w", err)
	}
	return nil
}

// Stop disables sample production. Records already in the ring remain
// drainable.
func (pe *PerfEvent) Stop() error {
	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("disabling sampler: %w", err)
	}
	return nil
}

// Drain decodes every record currently in the ring buffer and passes it
// to fn, then advances the ring tail.
func (pe *PerfEvent) Drain(fn func(Record)) error {
	head := atomic.LoadUint64(&pe.meta.Data_head)
	tail := atomic.LoadUint64(&pe.meta.Data_tail)
	size := uint64(len(pe.data))

	for tail < head {
		rec, n, err := pe.readRecord(tail, size)
		if err != nil {
			// Resynchronize: drop the rest of this batch.
			atomic.StoreUint64(&pe.meta.Data_tail, head)
			return err
		}
		fn(rec)
		tail += n
	}
	atomic.StoreUint64(&pe.meta.Data_tail, head)
	return nil
}

// readRecord decodes the record starting at ring offset tail, copying
// it out first when it wraps the ring edge.
func (pe *PerfEvent) readRecord(tail, size uint64) (Record, uint64, error) {
	off := tail % size
	if size-off >= perfHeaderSize {
		hdr := pe.data[off:]
		recSize := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
		if recSize >= perfHeaderSize && size-off >= recSize {
			rec, err := parseRecord(pe.data[off : off+recSize])
			return rec, recSize, err
		}
	}
	// Record wraps; stage a contiguous copy.
	var hdrBuf [perfHeaderSize]byte
	for i := range hdrBuf {
		hdrBuf[i] = pe.data[(off+uint64(i))%size]
	}
	recSize := uint64(binary.LittleEndian.Uint16(hdrBuf[6:8]))
	if recSize < perfHeaderSize || recSize > size {
		return Record{}, 0, fmt.Errorf("corrupt perf record header: size %d", recSize)
	}
	if uint64(cap(pe.overflow)) < recSize {
		pe.overflow = make([]byte, recSize)
	}
	buf := pe.overflow[:recSize]
	for i := range buf {
		buf[i] = pe.data[(off+uint64(i))%size]
	}
	rec, err := parseRecord(buf)
	return rec, recSize, err
}

// Close unmaps the ring and closes the event descriptor.
func (pe *PerfEvent) Close() error {
	err := unix.Munmap(pe.mmap)
	if cerr := unix.Close(pe.fd); err == nil {
		err = cerr
	}
	pe.mmap = nil
	pe.data = nil
	pe.meta = nil
	return err
}
