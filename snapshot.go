package keel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/venrik/keel/storage"
)

// Snapshot wire layout, little endian throughout:
//
//	magic    [8]byte  "KEELSNAP"
//	version  uint16   format version, currently 1
//	revision uint16   highest migration order baked into the data
//	world id [16]byte
//	alive    uint32
//	table    uint32 length + that many uint32 generations
//	pools    uint16 count, then per pool:
//	         stable uint32, name uint16+bytes, layout byte,
//	         body uint32 length + body bytes
//
// Pool bodies are length framed so a reader can skip stable ids it no
// longer knows.
const snapshotMagic = "KEELSNAP"

const snapshotVersion uint16 = 1

var snapshotBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Snapshot serializes the world: entity table, every component pool, and
// enough header to migrate the data forward later.
func (w *World) Snapshot(out io.Writer) error {
	if _, err := out.Write([]byte(snapshotMagic)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, snapshotVersion); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, w.reg.migrationRevision()); err != nil {
		return err
	}
	if _, err := out.Write(w.id[:]); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint32(w.table.Count())); err != nil {
		return err
	}
	generations := w.table.Generations()
	if err := binary.Write(out, binary.LittleEndian, uint32(len(generations))); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, generations); err != nil {
		return err
	}

	if err := binary.Write(out, binary.LittleEndian, uint16(len(w.slots))); err != nil {
		return err
	}
	body := snapshotBufPool.Get().(*bytes.Buffer)
	defer snapshotBufPool.Put(body)
	for i := range w.slots {
		s := &w.slots[i]
		if err := binary.Write(out, binary.LittleEndian, uint32(s.stable)); err != nil {
			return err
		}
		if err := writeSnapshotString(out, s.name); err != nil {
			return err
		}
		if _, err := out.Write([]byte{byte(s.layout)}); err != nil {
			return err
		}
		body.Reset()
		if err := s.encodePool(body); err != nil {
			return fmt.Errorf("keel: encoding pool %s: %w", s.name, err)
		}
		if err := binary.Write(out, binary.LittleEndian, uint32(body.Len())); err != nil {
			return err
		}
		if _, err := out.Write(body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces the world's contents from a snapshot. Pools whose
// stable id is no longer registered are skipped with a warning; data
// behind the current migration revision is migrated forward afterwards.
func (w *World) Restore(in io.Reader) error {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrSnapshotFormat, err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("%w: bad magic %q", ErrSnapshotFormat, magic)
	}
	var version uint16
	if err := binary.Read(in, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	if version > snapshotVersion {
		return fmt.Errorf("%w: snapshot version %d, newest supported %d", ErrSnapshotVersion, version, snapshotVersion)
	}
	var revision uint16
	if err := binary.Read(in, binary.LittleEndian, &revision); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	var id uuid.UUID
	if _, err := io.ReadFull(in, id[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	var alive uint32
	if err := binary.Read(in, binary.LittleEndian, &alive); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	var tableLen uint32
	if err := binary.Read(in, binary.LittleEndian, &tableLen); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	generations := make([]uint32, tableLen)
	if err := binary.Read(in, binary.LittleEndian, generations); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}

	table := storage.NewTableFrom(generations, w.growth)
	if table.Count() != int(alive) {
		return fmt.Errorf("%w: header says %d alive, table restores %d", ErrSnapshotFormat, alive, table.Count())
	}
	w.table = table
	if id != w.id {
		w.logger.Info("adopting snapshot world identity",
			zap.String("snapshot_world_id", id.String()),
		)
		w.id = id
	}
	for i := range w.slots {
		w.slots[i].store.Clear()
	}

	var poolCount uint16
	if err := binary.Read(in, binary.LittleEndian, &poolCount); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	for i := uint16(0); i < poolCount; i++ {
		var stable uint32
		if err := binary.Read(in, binary.LittleEndian, &stable); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}
		name, err := readSnapshotString(in)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}
		var layoutByte [1]byte
		if _, err := io.ReadFull(in, layoutByte[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}
		var bodyLen uint32
		if err := binary.Read(in, binary.LittleEndian, &bodyLen); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}

		id, known := w.reg.idByStable(StableID(stable))
		if !known {
			w.logger.Warn("snapshot pool no longer registered, skipped",
				zap.Uint32("stable_id", stable),
				zap.String("name", name),
				zap.Uint32("bytes", bodyLen),
			)
			if _, err := io.CopyN(io.Discard, in, int64(bodyLen)); err != nil {
				return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
			}
			continue
		}
		s := &w.slots[id]
		if s.layout != poolLayout(layoutByte[0]) {
			return fmt.Errorf("%w: pool %s layout changed since snapshot", ErrSnapshotFormat, name)
		}
		limited := io.LimitReader(in, int64(bodyLen))
		if err := s.decodePool(limited); err != nil {
			return fmt.Errorf("keel: decoding pool %s: %w", name, err)
		}
		// Drain any padding the decoder left behind.
		if _, err := io.Copy(io.Discard, limited); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}
	}

	return w.runMigrations(revision)
}

// runMigrations applies every registered migration with an order above the
// snapshot's revision, sorted by order then component name.
func (w *World) runMigrations(revision uint16) error {
	for _, m := range w.reg.sortedMigrations() {
		if m.Order <= int(revision) {
			continue
		}
		name := "world"
		if id, ok := w.reg.idByStable(m.Component); ok {
			name = w.reg.recipeName(id)
		}
		mLogger := w.logger.With(
			zap.Int("order", m.Order),
			zap.String("component", name),
		)
		mLogger.Info("running snapshot migration")
		if err := m.Apply(w, mLogger); err != nil {
			return fmt.Errorf("keel: migration %d for %s failed: %w", m.Order, name, err)
		}
	}
	return nil
}

func writeSnapshotString(out io.Writer, s string) error {
	if len(s) > int(^uint16(0)) {
		return fmt.Errorf("keel: name %q too long for snapshot", s[:32])
	}
	if err := binary.Write(out, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(out, s)
	return err
}

func readSnapshotString(in io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(in, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(in, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
