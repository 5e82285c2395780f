package pmfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	qcow2 "github.com/zchee/go-qcow2"
)

// ExportGzip streams a point-in-time copy of region as a gzip member at
// BestSpeed, mirroring the teacher's archive-writer pattern.
func ExportGzip(w io.Writer, region []byte) error {
	gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return errors.Wrap(err, "pmfs: create gzip writer")
	}
	if _, err := gw.Write(region); err != nil {
		gw.Close()
		return errors.Wrap(err, "pmfs: write gzip snapshot")
	}
	return errors.Wrap(gw.Close(), "pmfs: close gzip snapshot")
}

const qcow2ClusterSize = 1 << 16 // 64 KiB, comfortably within MinClusterBits..MaxClusterBits

// ExportQcow2 wraps a point-in-time snapshot of region in a qcow2
// container at destPath: the raw snapshot is written alongside as a
// backing file, and the qcow2 image itself holds no allocated clusters of
// its own — every read falls through to the backing file, which is the
// cheapest valid qcow2 image a reference exporter can produce.
//
// github.com/zchee/go-qcow2's own Create/CreateFile helpers discard the
// caller's filename (CreateFile always opens an os.TempFile and Create
// removes it on return), so only the package's header types and
// constants are used here; the header is serialized by hand in the wire
// layout the format actually specifies.
func ExportQcow2(destDir, name string, region []byte) error {
	rawPath := filepath.Join(destDir, name+".raw")
	if err := ioutil.WriteFile(rawPath, region, 0644); err != nil {
		return errors.Wrap(err, "pmfs: write raw snapshot backing file")
	}

	backingName := []byte(filepath.Base(rawPath))

	hdr := qcow2.QCowHeader{
		Version:               qcow2.Version3,
		BackingFileOffset:     int64(qcow2.Version3HeaderSize),
		BackingFileSize:       int32(len(backingName)),
		ClusterBits:           16,
		Size:                  int64(len(region)),
		CryptMethod:           qcow2.CryptNone,
		L1Size:                0,
		L1TableOffset:         0,
		RefcountTableOffset:   qcow2ClusterSize,
		RefcountTableClusters: 1,
		NbSnapshots:           0,
		SnapshotsOffset:       0,
		IncompatibleFeatures:  0,
		CompatibleFeatures:    0,
		AutoclearFeatures:     0,
		RefcountOrder:         4, // 16-bit refcount entries
		HeaderLength:          qcow2.Version3HeaderSize,
	}

	img := make([]byte, 3*qcow2ClusterSize)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, qcow2.QcowMagic)
	binary.Write(buf, binary.BigEndian, uint32(hdr.Version))
	binary.Write(buf, binary.BigEndian, uint64(hdr.BackingFileOffset))
	binary.Write(buf, binary.BigEndian, uint32(hdr.BackingFileSize))
	binary.Write(buf, binary.BigEndian, uint32(hdr.ClusterBits))
	binary.Write(buf, binary.BigEndian, uint64(hdr.Size))
	binary.Write(buf, binary.BigEndian, uint32(hdr.CryptMethod))
	binary.Write(buf, binary.BigEndian, uint32(hdr.L1Size))
	binary.Write(buf, binary.BigEndian, uint64(hdr.L1TableOffset))
	binary.Write(buf, binary.BigEndian, uint64(hdr.RefcountTableOffset))
	binary.Write(buf, binary.BigEndian, uint32(hdr.RefcountTableClusters))
	binary.Write(buf, binary.BigEndian, uint32(hdr.NbSnapshots))
	binary.Write(buf, binary.BigEndian, uint64(hdr.SnapshotsOffset))
	binary.Write(buf, binary.BigEndian, uint64(hdr.IncompatibleFeatures))
	binary.Write(buf, binary.BigEndian, uint64(hdr.CompatibleFeatures))
	binary.Write(buf, binary.BigEndian, uint64(hdr.AutoclearFeatures))
	binary.Write(buf, binary.BigEndian, uint32(hdr.RefcountOrder))
	binary.Write(buf, binary.BigEndian, uint32(hdr.HeaderLength))
	copy(img[0:buf.Len()], buf.Bytes())
	copy(img[hdr.BackingFileOffset:], backingName)

	// refcount table: one 8-byte entry pointing at the refcount block in
	// cluster 2.
	binary.BigEndian.PutUint64(img[qcow2ClusterSize:qcow2ClusterSize+8], 2*qcow2ClusterSize)

	// refcount block: 16-bit entries, one per cluster; clusters 0-2 (the
	// header, the refcount table, and this block itself) are referenced.
	refBlockOff := 2 * qcow2ClusterSize
	binary.BigEndian.PutUint16(img[refBlockOff+0:], 1)
	binary.BigEndian.PutUint16(img[refBlockOff+2:], 1)
	binary.BigEndian.PutUint16(img[refBlockOff+4:], 1)

	qcowPath := filepath.Join(destDir, name+".qcow2")
	return errors.Wrap(os.WriteFile(qcowPath, img, 0644), "pmfs: write qcow2 container")
}
